// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memsize provides byte/bit size constants and human-readable
// formatting, used throughout config defaults and log messages wherever a
// size or bandwidth value is surfaced.
package memsize

import "fmt"

// Byte-based size units.
const (
	B  = 1
	KB = 1024 * B
	MB = 1024 * KB
	GB = 1024 * MB
	TB = 1024 * GB
)

// Bit-based size units, used for bandwidth rates.
const (
	Bit  = 1
	Kbit = 1000 * Bit
	Mbit = 1000 * Kbit
	Gbit = 1000 * Mbit
	Tbit = 1000 * Gbit
)

// Format renders n bytes as a human-readable string, e.g. "1.50GB".
func Format(n uint64) string {
	if n == 0 {
		return "0B"
	}
	units := []struct {
		size   uint64
		suffix string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
		{B, "B"},
	}
	for _, u := range units {
		if n >= u.size {
			return fmt.Sprintf("%.2f%s", float64(n)/float64(u.size), u.suffix)
		}
	}
	return fmt.Sprintf("%.2fB", float64(n))
}

// BitFormat renders n bits as a human-readable string, e.g. "1.50Gbit".
func BitFormat(n uint64) string {
	if n == 0 {
		return "0bit"
	}
	units := []struct {
		size   uint64
		suffix string
	}{
		{Tbit, "Tbit"},
		{Gbit, "Gbit"},
		{Mbit, "Mbit"},
		{Kbit, "Kbit"},
		{Bit, "bit"},
	}
	for _, u := range units {
		if n >= u.size {
			return fmt.Sprintf("%.2f%s", float64(n)/float64(u.size), u.suffix)
		}
	}
	return fmt.Sprintf("%.2fbit", float64(n))
}
