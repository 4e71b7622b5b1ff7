// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package admin

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPC_DispatchOverUnixSocket(t *testing.T) {
	d, ctl := newTestDispatcher(t)
	require.NoError(t, ctl.OnBootFinished())

	sock := filepath.Join(t.TempDir(), "admin.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer l.Close()

	go Serve(l, NewService(d))

	resp, err := DialAndDispatch("unix", sock, Request{UID: testSystemUID, Args: nil})
	require.NoError(t, err)
	assert.Empty(t, resp.Err)
	assert.Contains(t, resp.Output, "supervisor:")
}

func TestRPC_DispatchRejectsWrongUID(t *testing.T) {
	d, _ := newTestDispatcher(t)

	sock := filepath.Join(t.TempDir(), "admin.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer l.Close()

	go Serve(l, NewService(d))

	resp, err := DialAndDispatch("unix", sock, Request{UID: testSystemUID + 1, Args: nil})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Err)
}
