package main

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/LoveWonYoung/osycomm/routing"
	"github.com/LoveWonYoung/osycomm/tp"
)

const systemYAML = `
mode: update
client:
  bus: 1
keys_dir: /etc/osydiag/keys
ip:
  broadcast: 192.168.0.255:13400
  connect_timeout: 250ms
log:
  level: debug
topology:
  buses:
    - name: CAN1
      medium: can
      bus_id: 0
    - name: ETH1
      medium: ethernet
      bus_id: 1
  nodes:
    - name: Gateway
      opensyde: true
      interfaces:
        - {medium: can, number: 0, connected: true, bus: 0, node_id: 1, diagnosis: true, update: true, routing: true}
        - {medium: eth, number: 0, connected: true, bus: 1, node_id: 1, ip: 192.168.0.10, diagnosis: true, update: true, routing: true}
`

func readConfig(t *testing.T, text string) (fileConfig, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(text)))
	return loadConfig(v)
}

// ==================== 配置解析 ====================

func TestLoadConfig(t *testing.T) {
	cfg, err := readConfig(t, systemYAML)
	require.NoError(t, err)

	assert.Equal(t, routing.ModeUpdate, cfg.Mode)
	assert.Equal(t, 1, cfg.Client.Bus)
	assert.Equal(t, uint8(tp.MaxNodeID), cfg.Client.NodeID, "默认客户端节点号")
	assert.Equal(t, "/etc/osydiag/keys", cfg.KeysDir)
	assert.Equal(t, netip.MustParseAddrPort("192.168.0.255:13400"), cfg.IP.Broadcast)
	assert.Equal(t, 250*time.Millisecond, cfg.IP.ConnectTimeout)
	assert.Equal(t, zapcore.DebugLevel, cfg.Log.Level)
	assert.Equal(t, time.Hour, cfg.Log.Rotation)

	require.Len(t, cfg.Topology.Buses, 2)
	assert.Equal(t, routing.MediumEthernet, cfg.Topology.Buses[1].Medium)
	require.Len(t, cfg.Topology.Nodes, 1)
	gw := cfg.Topology.Nodes[0]
	require.Len(t, gw.Interfaces, 2)
	assert.Equal(t, routing.MediumEthernet, gw.Interfaces[1].Medium)
	assert.Equal(t, netip.MustParseAddr("192.168.0.10"), gw.Interfaces[1].IP)
	assert.True(t, gw.Interfaces[1].RoutingEnabled)

	assert.Equal(t, tp.NodeID{Bus: 1, Node: tp.MaxNodeID}, cfg.clientID())
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := readConfig(t, "")
	require.NoError(t, err)
	assert.Equal(t, routing.ModeDiagnostic, cfg.Mode)
	assert.Equal(t, netip.MustParseAddrPort("255.255.255.255:13400"), cfg.IP.Broadcast)
	assert.Equal(t, zapcore.InfoLevel, cfg.Log.Level)
	assert.Equal(t, tp.NodeID{Node: tp.MaxNodeID}, cfg.clientID())
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"未知路由模式", "mode: flash"},
		{"未知介质", "topology: {buses: [{name: X, medium: lin}]}"},
		{"客户端总线越界", "client: {bus: 2}\ntopology: {buses: [{name: CAN1, medium: can}]}"},
		{"客户端节点号越界", "client: {node_id: 127}"},
		{"接口总线介质不符", `
topology:
  buses: [{name: CAN1, medium: can}]
  nodes: [{name: N, interfaces: [{medium: eth, connected: true, bus: 0}]}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readConfig(t, tt.yaml)
			assert.Error(t, err)
		})
	}
}
