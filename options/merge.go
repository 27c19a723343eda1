// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package options

import "github.com/holiman/uint256"

// Merge combines caller supplied options with an enforced floor. Each option
// type is compared on its own: the caller's value wins only when it is at
// least the floor's value, otherwise the floor's value is substituted. Native
// drops are compared per receiver and compose options per index.
//
// An empty floor returns the caller's options unchanged (after validation)
// and an empty caller blob returns the floor.
func Merge(floor, caller []byte) ([]byte, error) {
	f, err := Parse(floor)
	if err != nil {
		return nil, err
	}
	c, err := Parse(caller)
	if err != nil {
		return nil, err
	}
	if f.IsEmpty() {
		return caller, nil
	}
	if c.IsEmpty() {
		return floor, nil
	}
	return MergeParsed(f, c).Bytes()
}

// MergeParsed applies the merge rule to already parsed option sets.
func MergeParsed(floor, caller *Options) *Options {
	out := New()

	switch {
	case floor.LzReceive != nil && caller.LzReceive != nil:
		out.LzReceive = &LzReceive{}
		out.LzReceive.Gas = maxOf(floor.LzReceive.Gas, caller.LzReceive.Gas)
		out.LzReceive.Value = maxOf(floor.LzReceive.Value, caller.LzReceive.Value)
	case floor.LzReceive != nil:
		r := *floor.LzReceive
		out.LzReceive = &r
	case caller.LzReceive != nil:
		r := *caller.LzReceive
		out.LzReceive = &r
	}

	out.NativeDrops = append(out.NativeDrops, floor.NativeDrops...)
	for _, drop := range caller.NativeDrops {
		merged := false
		for i := range out.NativeDrops {
			if out.NativeDrops[i].Receiver == drop.Receiver {
				out.NativeDrops[i].Amount = maxOf(out.NativeDrops[i].Amount, drop.Amount)
				merged = true
				break
			}
		}
		if !merged {
			out.NativeDrops = append(out.NativeDrops, drop)
		}
	}

	out.Composes = append(out.Composes, floor.Composes...)
	for _, c := range caller.Composes {
		merged := false
		for i := range out.Composes {
			if out.Composes[i].Index == c.Index {
				out.Composes[i].Gas = maxOf(out.Composes[i].Gas, c.Gas)
				out.Composes[i].Value = maxOf(out.Composes[i].Value, c.Value)
				merged = true
				break
			}
		}
		if !merged {
			out.Composes = append(out.Composes, c)
		}
	}

	out.Ordered = floor.Ordered || caller.Ordered
	return out
}

// Satisfies reports whether [o] meets or exceeds every value in [floor].
func (o *Options) Satisfies(floor *Options) bool {
	if r := floor.LzReceive; r != nil {
		if o.LzReceive == nil || o.LzReceive.Gas.Lt(&r.Gas) || o.LzReceive.Value.Lt(&r.Value) {
			return false
		}
	}
	for _, want := range floor.Composes {
		got, ok := o.Compose(want.Index)
		if !ok || got.Gas.Lt(&want.Gas) || got.Value.Lt(&want.Value) {
			return false
		}
	}
	for _, want := range floor.NativeDrops {
		found := false
		for _, got := range o.NativeDrops {
			if got.Receiver == want.Receiver && !got.Amount.Lt(&want.Amount) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return o.Ordered || !floor.Ordered
}

func maxOf(a, b uint256.Int) uint256.Int {
	if a.Lt(&b) {
		return b
	}
	return a
}
