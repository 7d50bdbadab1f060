package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ETH1 - Gateway - CAN1 - Camera
const routeYAML = `
topology:
  buses:
    - {name: ETH1, medium: ethernet, bus_id: 0}
    - {name: CAN1, medium: can, bus_id: 1}
  nodes:
    - name: Gateway
      opensyde: true
      interfaces:
        - {medium: eth, number: 0, connected: true, bus: 0, node_id: 1, ip: 192.168.0.1, diagnosis: true, update: true, routing: true}
        - {medium: can, number: 0, connected: true, bus: 1, node_id: 1, diagnosis: true, update: true, routing: true}
    - name: Camera
      opensyde: true
      interfaces:
        - {medium: can, number: 0, connected: true, bus: 1, node_id: 2, diagnosis: true, update: true}
`

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	path := filepath.Join(t.TempDir(), "system.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routeYAML), 0o644))

	var out bytes.Buffer
	a := newApp()
	defer a.closeLog()
	cmd := newRoot(a)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", path))
	err := cmd.Execute()
	return out.String(), err
}

// ==================== route 命令 ====================

func TestRouteCommand(t *testing.T) {
	out, err := runCommand(t, "route", "camera")
	require.NoError(t, err)
	assert.Contains(t, out, "Status: found")
	assert.Contains(t, out, "ETH1 > Gateway > CAN1 > Camera")
	assert.Contains(t, out, "best")
}

func TestRouteCommand_Direct(t *testing.T) {
	out, err := runCommand(t, "route", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "direct")
}

func TestRouteCommand_Errors(t *testing.T) {
	_, err := runCommand(t, "route", "Printer")
	assert.Error(t, err, "未知节点名")

	_, err = runCommand(t, "route", "7")
	assert.Error(t, err, "节点号越界")

	_, err = runCommand(t, "route", "camera", "--mode", "flash")
	assert.Error(t, err, "未知路由模式")
}
