package dispatch

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// controlClient is a minimal node-side client for the stream control RPC.
type controlClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialControl(t *testing.T, addr string) *controlClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &controlClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *controlClient) send(t *testing.T, kind string, body any) {
	t.Helper()
	env, err := makeEnvelope(kind, body)
	require.NoError(t, err)
	line, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = c.conn.Write(append(line, '\n'))
	require.NoError(t, err)
}

// next reads envelopes until one of the wanted type arrives, skipping
// interleaved pushes.
func (c *controlClient) next(t *testing.T, wantType string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, c.conn.SetReadDeadline(deadline))
	for {
		line, err := c.reader.ReadBytes('\n')
		require.NoError(t, err, "waiting for %s", wantType)
		var env envelope
		require.NoError(t, json.Unmarshal(line, &env))
		if env.Type == wantType {
			return env.Data
		}
	}
}

func startControlServer(t *testing.T) (*Dispatcher, string) {
	t.Helper()
	profiles := NewProfileDB()
	profile, err := NewModelProfile(testSession.ProfileID(), map[uint32]float64{1: 5000, 8: 26000})
	require.NoError(t, err)
	profiles.AddProfile(testGPUDevice, testGPUUUID, profile)

	dispatcher := NewDispatcher(NewSystemClock(), profiles, nil, NewMetrics(prometheus.NewRegistry()), 1)
	t.Cleanup(dispatcher.Stop)

	server, err := NewControlServer(dispatcher, "127.0.0.1:0")
	require.NoError(t, err)
	go server.Run()
	t.Cleanup(server.Stop)
	return dispatcher, server.listener.Addr().String()
}

func TestControlServer_RegisterAndLoadModel(t *testing.T) {
	_, addr := startControlServer(t)

	backend := dialControl(t, addr)
	backend.send(t, "register", RegisterRequest{
		NodeKind: BackendNode, NodeID: 1, ServerPort: 9001, RPCPort: 9002,
		GPUDevice: testGPUDevice, GPUUUID: testGPUUUID,
	})
	var registerReply RegisterReply
	require.NoError(t, json.Unmarshal(backend.next(t, "register_reply"), &registerReply))
	assert.Equal(t, StatusOK, registerReply.Status)
	assert.Equal(t, uint32(1), registerReply.BeaconIntervalSec)

	frontend := dialControl(t, addr)
	frontend.send(t, "register", RegisterRequest{NodeKind: FrontendNode, NodeID: 100})
	var frontendReply RegisterReply
	require.NoError(t, json.Unmarshal(frontend.next(t, "register_reply"), &frontendReply))
	assert.Equal(t, StatusOK, frontendReply.Status)

	// The frontend receives the backend list push.
	var listUpdate BackendListUpdate
	require.NoError(t, json.Unmarshal(frontend.next(t, "update_backend_list"), &listUpdate))
	require.Len(t, listUpdate.Backends, 1)
	assert.Equal(t, NodeID(1), listUpdate.Backends[0].NodeID)

	// Loading the model returns its route; the backend gets the load
	// command.
	frontend.send(t, "load_model", LoadModelRequest{
		NodeID: 100, ModelSession: testSession, EstimateWorkload: 50,
	})
	var loadReply LoadModelReply
	require.NoError(t, json.Unmarshal(frontend.next(t, "load_model_reply"), &loadReply))
	assert.Equal(t, StatusOK, loadReply.Status)
	require.Len(t, loadReply.Route.Backends, 1)

	var loadCmd LoadModelCommand
	require.NoError(t, json.Unmarshal(backend.next(t, "load_model_command"), &loadCmd))
	assert.Equal(t, testSession, loadCmd.ModelSession)
}

func TestControlServer_KeepAliveAndUnregister(t *testing.T) {
	_, addr := startControlServer(t)

	client := dialControl(t, addr)
	client.send(t, "register", RegisterRequest{
		NodeKind: BackendNode, NodeID: 1, GPUDevice: testGPUDevice, GPUUUID: testGPUUUID,
	})
	client.next(t, "register_reply")

	client.send(t, "keep_alive", KeepAliveRequest{NodeKind: BackendNode, NodeID: 1})
	var kaReply struct{ Status Status }
	require.NoError(t, json.Unmarshal(client.next(t, "keep_alive_reply"), &kaReply))
	assert.Equal(t, StatusOK, kaReply.Status)

	client.send(t, "unregister", UnregisterRequest{NodeKind: BackendNode, NodeID: 1})
	var unregReply struct{ Status Status }
	require.NoError(t, json.Unmarshal(client.next(t, "unregister_reply"), &unregReply))
	assert.Equal(t, StatusOK, unregReply.Status)

	client.send(t, "keep_alive", KeepAliveRequest{NodeKind: BackendNode, NodeID: 1})
	require.NoError(t, json.Unmarshal(client.next(t, "keep_alive_reply"), &kaReply))
	assert.Equal(t, StatusNotRegistered, kaReply.Status)
}
