package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/config"
	"github.com/maxpert/timecapsule/keys"
	"github.com/maxpert/timecapsule/queue"
	"github.com/maxpert/timecapsule/server"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func startBroker(t *testing.T) (*server.Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.Network.Host = "127.0.0.1"
	cfg.Network.Port = 0
	cfg.Network.PayloadSettle = 10 * time.Millisecond
	cfg.Store.Address = mr.Addr()
	cfg.Store.FetchPollTimeout = time.Second
	cfg.Promoter.WaitInterval = 20 * time.Millisecond
	cfg.Server.ShutdownTimeout = 500 * time.Millisecond

	srv := server.NewServerBuilderWithConfig(cfg).WithLogger(zap.NewNop()).BuildUnsafe()
	require.NoError(t, srv.Lifecycle.Start(context.Background()))
	t.Cleanup(func() {
		srv.Lifecycle.Stop(context.Background())
	})
	return srv, mr
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "timecapsule "+server.Version+" ("+runtime.Version()+")\n", out)
}

func TestStatsCommand(t *testing.T) {
	srv, _ := startBroker(t)

	out, err := execute(t, "stats", "--addr", srv.Addr)
	require.NoError(t, err)
	assert.Contains(t, out, "__healthy: true\n")
	assert.Contains(t, out, "__totalMessageCount: 0\n")
}

func TestStatsCommandForQueue(t *testing.T) {
	srv, _ := startBroker(t)

	out, err := execute(t, "stats", "--addr", srv.Addr, "orders")
	require.NoError(t, err)
	assert.Contains(t, out, "orders|future: 0\n")
	assert.Contains(t, out, "orders|queued: 0\n")
}

func TestStatsCommandUnreachable(t *testing.T) {
	srv, _ := startBroker(t)
	addr := srv.Addr
	require.NoError(t, srv.Lifecycle.Stop(context.Background()))

	_, err := execute(t, "stats", "--addr", addr, "--timeout", "500ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestConfigGenStdout(t *testing.T) {
	out, err := execute(t, "config", "gen", "--stdout")
	require.NoError(t, err)
	assert.Contains(t, out, "network:")
	assert.Contains(t, out, "port: 1777")
	assert.Contains(t, out, "payload_settle: ")
}

func TestConfigGenWritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timecapsule.yaml")

	out, err := execute(t, "config", "gen", "--out", path)
	require.NoError(t, err)
	assert.Equal(t, "Wrote "+path+"\n", out)

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	_, err = execute(t, "config", "gen", "--out", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "config", "gen", "--out", path, "--force")
	require.NoError(t, err)
}

func TestConfigShowMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timecapsule.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network:\n  port: 1888\nstore:\n  namespace: tc\n"), 0644))

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 1888")
	assert.Contains(t, out, "namespace: tc")
}

func TestConfigShowRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timecapsule.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network:\n  port: 0\n"), 0644))

	_, err := execute(t, "--config", path, "config", "show")
	require.Error(t, err)
}

func TestFlagOverrides(t *testing.T) {
	cmd := newServeCommand(new(string))
	require.NoError(t, cmd.Flags().Parse([]string{
		"--port", "1999",
		"--redis", "redis:6379",
		"--metrics",
		"--wait-interval", "250ms",
		"-q",
	}))

	overrides := flagOverrides(cmd.Flags())
	assert.Equal(t, map[string]any{
		"network.port":           "1999",
		"store.address":          "redis:6379",
		"metrics.enabled":        "true",
		"promoter.wait_interval": "250ms",
	}, overrides)

	cfg, err := config.Load("", overrides)
	require.NoError(t, err)
	assert.Equal(t, 1999, cfg.Network.Port)
	assert.Equal(t, "redis:6379", cfg.Store.Address)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Promoter.WaitInterval)
}

func TestFlagKeysNameRealConfigKeys(t *testing.T) {
	cmd := newServeCommand(new(string))
	for name, key := range flagKeys {
		assert.NotNil(t, cmd.Flags().Lookup(name), "flag %s", name)

		_, err := config.Load("", map[string]any{key: cmd.Flags().Lookup(name).DefValue})
		assert.NoError(t, err, "key %s", key)
	}
}

func TestRunServerStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	pidFile := filepath.Join(t.TempDir(), "timecapsule.pid")

	cfg := config.DefaultConfig()
	cfg.Network.Host = "127.0.0.1"
	cfg.Network.Port = freePort(t)
	cfg.Store.Address = mr.Addr()
	cfg.Log.Output = "none"
	cfg.Server.PidFile = pidFile
	cfg.Server.ShutdownTimeout = 500 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runServer(ctx, cfg, "", nil)
	}()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(pidFile)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestPromoteCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	namer := keys.NewNamer(keys.DefaultNamespace)
	producer := queue.NewProducer(client, namer, 3, zap.NewNop())
	require.NoError(t, producer.Prepare("STORE orders 2000-01-01T00:00:00Z"))
	_, err := producer.Receive(context.Background(), []byte("due"))
	require.NoError(t, err)

	producer = queue.NewProducer(client, namer, 3, zap.NewNop())
	require.NoError(t, producer.Prepare("STORE orders 2100-01-01T00:00:00Z"))
	_, err = producer.Receive(context.Background(), []byte("later"))
	require.NoError(t, err)

	out, err := execute(t, "promote", "--redis", mr.Addr())
	require.NoError(t, err)
	assert.Equal(t, "Promoted 1 item(s)\n", out)

	listed, err := client.LRange(context.Background(), namer.ListKey("orders"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, listed)

	out, err = execute(t, "promote", "--redis", mr.Addr(), "--queue", "orders")
	require.NoError(t, err)
	assert.Equal(t, "Promoted 0 item(s)\n", out)
}
