// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"testing"

	log "github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	logger := log.NewTestLogger(log.InfoLevel)
	require.NoError(t, Register(reg, logger))
	require.NoError(t, Register(reg, logger))
}

func TestRecordSend(t *testing.T) {
	before := testutil.ToFloat64(SendCounter("SHARE", StatusError))
	RecordSend("SHARE", false)
	RecordSend("SHARE", true)
	require.Equal(t, before+1, testutil.ToFloat64(SendCounter("SHARE", StatusError)))
}

func TestRecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, log.NewTestLogger(log.InfoLevel)))

	RecordOperation("deposit", StatusRefunded)
	n, err := testutil.GatherAndCount(reg, "ovault_composer_operations_total")
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
}
