package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limiquantix/modmgmt/internal/auth"
	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/modmgmt"
	"github.com/limiquantix/modmgmt/internal/persist"
)

// MockInvoker records operations and answers with a fixed result.
type MockInvoker struct {
	ops      []modmgmt.Opcode
	requests []json.RawMessage
	result   json.RawMessage
	err      error
}

func (m *MockInvoker) Invoke(ctx context.Context, op modmgmt.Opcode, req any) (json.RawMessage, error) {
	m.ops = append(m.ops, op)
	var raw json.RawMessage
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	m.requests = append(m.requests, raw)
	return m.result, m.err
}

func (m *MockInvoker) lastRequest(t *testing.T, out any) {
	t.Helper()
	require.NotEmpty(t, m.requests)
	require.NoError(t, json.Unmarshal(m.requests[len(m.requests)-1], out))
}

func execute(t *testing.T, client Invoker, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	root := NewApp(client, "test").RootCmd()
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestStatusCommand(t *testing.T) {
	mock := &MockInvoker{result: json.RawMessage(`{"side":"A","ready":true}`)}
	out, err := execute(t, mock, "status")
	require.NoError(t, err)
	assert.Equal(t, []modmgmt.Opcode{modmgmt.OpGetGeneralStatus}, mock.ops)
	assert.Contains(t, out, `"ready": true`)

	out, err = execute(t, mock, "status", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "ready: true")
}

func TestModuleCommands(t *testing.T) {
	mock := &MockInvoker{result: json.RawMessage(`{}`)}

	_, err := execute(t, mock, "module", "status", "io_module:2", "--peer")
	require.NoError(t, err)
	var status modmgmt.ModuleRequest
	mock.lastRequest(t, &status)
	assert.Equal(t, modmgmt.ModuleRequest{Class: domain.ClassIOModule, Slot: 2, Peer: true}, status)

	_, err = execute(t, mock, "module", "info", "MEZZANINE:0")
	require.NoError(t, err)
	assert.Equal(t, modmgmt.OpGetMezzanineInfo, mock.ops[len(mock.ops)-1])

	_, err = execute(t, mock, "module", "mark", "IO_MODULE:1", "--off")
	require.NoError(t, err)
	var mark modmgmt.MarkModuleRequest
	mock.lastRequest(t, &mark)
	assert.False(t, mark.On)

	_, err = execute(t, mock, "module", "status", "IO_MODULE")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPortCommands(t *testing.T) {
	mock := &MockInvoker{result: json.RawMessage(`{}`)}

	_, err := execute(t, mock, "port", "sfp", "IO_MODULE:1:3")
	require.NoError(t, err)
	var req modmgmt.PortRequest
	mock.lastRequest(t, &req)
	assert.Equal(t, modmgmt.PortRequest{Class: domain.ClassIOModule, Slot: 1, Port: 3}, req)
	assert.Equal(t, modmgmt.OpGetSFPInfo, mock.ops[0])

	_, err = execute(t, mock, "port", "info", "IO_MODULE:1:x")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	entries := []domain.PersistedPortEntry{{
		Location: domain.PortLocation{Class: domain.ClassIOModule, Slot: 1, Port: 0},
		Role:     domain.RoleFE,
	}}
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "entries.json")
	require.NoError(t, os.WriteFile(file, data, 0o600))

	_, err = execute(t, mock, "port", "config", "persist_list", "--file", file)
	require.NoError(t, err)
	var set modmgmt.SetPortConfigRequest
	mock.lastRequest(t, &set)
	assert.Equal(t, modmgmt.ActionPersistList, set.Action)
	assert.Equal(t, entries, set.Entries)

	_, err = execute(t, mock, "port", "config", "REMOVE_LIST",
		"--location", "IO_MODULE:1:0", "--location", "BACK_END_MODULE:0:2")
	require.NoError(t, err)
	set = modmgmt.SetPortConfigRequest{}
	mock.lastRequest(t, &set)
	assert.Equal(t, []domain.PortLocation{
		{Class: domain.ClassIOModule, Slot: 1, Port: 0},
		{Class: domain.ClassBackEndModule, Slot: 0, Port: 2},
	}, set.Locations)

	_, err = execute(t, mock, "port", "config", "REPLACE", "--module", "IO_MODULE:3")
	require.NoError(t, err)
	set = modmgmt.SetPortConfigRequest{}
	mock.lastRequest(t, &set)
	assert.Equal(t, persist.SlotRef{Class: domain.ClassIOModule, Slot: 3}, set.Module)
}

func TestMgmtSpeedCommand(t *testing.T) {
	mock := &MockInvoker{result: json.RawMessage(`{"state":"SUCCEEDED"}`)}

	out, err := execute(t, mock, "mgmt", "speed", "0", "--autoneg", "off", "--speed", "100", "--duplex", "full")
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCEEDED")

	var req modmgmt.MgmtPortRequest
	mock.lastRequest(t, &req)
	want := modmgmt.MgmtPortRequest{
		Slot:     0,
		Settings: domain.MgmtPortSettings{AutoNeg: domain.AutoNegOff, Speed: domain.Speed100M, Duplex: domain.DuplexFull},
		Revert:   true,
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	_, err = execute(t, mock, "mgmt", "info", "-1")
	assert.Error(t, err)
}

func TestInvokeCommand(t *testing.T) {
	mock := &MockInvoker{err: errors.New("unavailable: not ready")}

	_, err := execute(t, mock, "invoke", "get_port_affinity")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GET_PORT_AFFINITY failed")

	_, err = execute(t, mock, "invoke", "GET_MODULE_STATUS", "{bad")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Len(t, mock.ops, 1, "invalid JSON is not sent")
}

func TestTokenCommand(t *testing.T) {
	secret := "cli-test-secret"
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("auth:\n  jwt_secret: "+secret+"\n"), 0o600))

	out, err := execute(t, nil, "token", "carol", "--role", "operator", "--config", file)
	require.NoError(t, err)

	var tok auth.Token
	require.NoError(t, json.Unmarshal([]byte(out), &tok))
	jwtManager, err := auth.NewJWTManager(config.AuthConfig{JWTSecret: secret})
	require.NoError(t, err)
	claims, err := jwtManager.Verify(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "carol", claims.Operator)
	assert.Equal(t, auth.RoleOperator, claims.Role)

	_, err = execute(t, nil, "token", "carol", "--role", "root", "--config", file)
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, &MockInvoker{}, "version", "--server", "http://spa:8480")
	require.NoError(t, err)
	assert.Contains(t, out, "modmgmtctl version test")
	assert.Contains(t, out, "http://spa:8480")
}
