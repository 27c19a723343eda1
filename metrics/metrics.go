// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes prometheus counters for the bridge components.
package metrics

import (
	"errors"

	log "github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ovault"

// Status labels shared by every counter.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusDuplicate = "duplicate"
	StatusFailed    = "failed"
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCompleted = "completed"
	StatusRefunded  = "refunded"
	StatusReplayed  = "replayed"
)

var (
	transportPacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "packets_total",
			Help:      "Total number of packets handled by the transport",
		},
		[]string{"status"}, // sent, delivered, duplicate, failed
	)

	transportComposesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "composes_total",
			Help:      "Total number of compose messages handled by the transport",
		},
		[]string{"status"},
	)

	oftSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oft",
			Name:      "sends_total",
			Help:      "Total number of cross-chain token sends",
		},
		[]string{"token", "status"}, // success, error
	)

	composerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "composer",
			Name:      "operations_total",
			Help:      "Total number of compound vault operations by outcome",
		},
		[]string{"operation", "status"}, // completed, refunded, replayed
	)
)

// Register registers every bridge collector with [reg]. Collectors that are
// already registered are skipped.
func Register(reg prometheus.Registerer, logger log.Logger) error {
	collectors := map[string]prometheus.Collector{
		"transport_packets_total":   transportPacketsTotal,
		"transport_composes_total":  transportComposesTotal,
		"oft_sends_total":           oftSendsTotal,
		"composer_operations_total": composerOperationsTotal,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			var alreadyRegErr prometheus.AlreadyRegisteredError
			if errors.As(err, &alreadyRegErr) {
				logger.Debug("collector already registered", "name", name)
				continue
			}
			return err
		}
	}
	return nil
}

// RecordPacket counts a packet transition.
func RecordPacket(status string) {
	PacketCounter(status).Inc()
}

// RecordCompose counts a compose message transition.
func RecordCompose(status string) {
	ComposeCounter(status).Inc()
}

// RecordSend counts an outbound token send.
func RecordSend(token string, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	SendCounter(token, status).Inc()
}

// RecordOperation counts a composer outcome.
func RecordOperation(operation, status string) {
	OperationCounter(operation, status).Inc()
}

func PacketCounter(status string) prometheus.Counter {
	return transportPacketsTotal.WithLabelValues(status)
}

func ComposeCounter(status string) prometheus.Counter {
	return transportComposesTotal.WithLabelValues(status)
}

func SendCounter(token, status string) prometheus.Counter {
	return oftSendsTotal.WithLabelValues(token, status)
}

func OperationCounter(operation, status string) prometheus.Counter {
	return composerOperationsTotal.WithLabelValues(operation, status)
}
