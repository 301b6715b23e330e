package main

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dm "github.com/andrej220/stagehand/pkg/shared-models"
)

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, dm.StageReport{
		Test:       "ycsb_load",
		Stage:      "pre_test",
		Started:    time.Date(2024, 5, 1, 10, 4, 5, 0, time.UTC),
		ElapsedSec: 1.5,
		Specs: []dm.SpecReport{
			{Name: "install", Success: true},
			{Name: "restart mongod"},
		},
	})
	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "10:04:05 ycsb_load"))
	assert.Contains(t, line, "FAILED")
	assert.Contains(t, line, `failed: "restart mongod"`)
	assert.NotContains(t, line, "install")
}

func TestSendCommand(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		conn.Read(buf)
		conn.Write([]byte(`{"status_code": 2, "status": "EXECUTION_ERROR", "message": "boom"}` + "\n"))
	}()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"target": "mongod.0", "exec": ["true"]}`))
	cmd.SetArgs([]string{"send", "--addr", ln.Addr().String(), "--timeout", "5s"})

	err = cmd.Execute()
	assert.EqualError(t, err, "request failed: EXECUTION_ERROR")
	assert.Contains(t, out.String(), `"message": "boom"`)
}

func TestRunRequiresConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "-c", t.TempDir() + "/missing.yaml"})
	assert.Error(t, cmd.Execute())
}
