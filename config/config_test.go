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

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	f, err := os.CreateTemp("", "torrentd-config-test")
	require.NoError(t, err)
	_, err = f.Write([]byte(contents))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestLoadAppliesDefaults(t *testing.T) {
	require := require.New(t)

	fname := writeConfig(t, `
listen_address: ":7000"
download_dir: /tmp/torrentd
`)
	defer os.Remove(fname)

	c, err := Load(fname)
	require.NoError(err)
	require.Equal(":7000", c.ListenAddress)
	require.Equal("/tmp/torrentd", c.DownloadDir)
	require.Equal("-TD0100-", c.PeerIDPrefix)
}

func TestLoadRejectsMissingDownloadDir(t *testing.T) {
	require := require.New(t)

	fname := writeConfig(t, `
listen_address: ":7000"
`)
	defer os.Remove(fname)

	_, err := Load(fname)
	require.Error(err)
}

func TestLoadNestedSchedulerConfig(t *testing.T) {
	require := require.New(t)

	fname := writeConfig(t, `
listen_address: ":7000"
download_dir: /tmp/torrentd
scheduler:
  max_active_pieces: 5
  rarest_first: true
peer:
  max_inflight: 16
`)
	defer os.Remove(fname)

	c, err := Load(fname)
	require.NoError(err)
	require.Equal(5, c.Scheduler.MaxActivePieces)
	require.True(c.Scheduler.RarestFirst)
	require.Equal(16, c.Peer.MaxInflight)
}
