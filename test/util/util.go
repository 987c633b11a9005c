// Package util starts the disposable brokers and databases used by the
// integration tests and polls their observable state.
package util

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	MosquittoReadyTimeout = 5 * time.Second
	InfluxStartupTimeout  = 60 * time.Second
	MetricTimeout         = 5 * time.Second

	pollInterval = 50 * time.Millisecond
)

const mosquittoConf = `listener 1883
allow_anonymous true
persistence false
log_dest stdout
log_type error
log_type warning
connection_messages true
`

// InfluxSetup is the org, bucket and admin token an InfluxDB container is
// initialized with.
type InfluxSetup struct {
	Org    string
	Bucket string
	Token  string
}

// RequireDocker skips the test in short mode or when DOCKER_AVAILABLE is not set.
func RequireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if v := os.Getenv("DOCKER_AVAILABLE"); v != "true" && v != "1" {
		t.Skip("docker not available")
	}
}

// endpoint starts req and returns scheme://host:port for the given port
// together with a terminate func.
func endpoint(ctx context.Context, req tc.ContainerRequest, scheme, port string) (string, func(), error) {
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		return "", nil, fmt.Errorf("start %s: %w", req.Image, err)
	}
	stop := func() { _ = cont.Terminate(context.Background()) }
	host, err := cont.Host(ctx)
	if err != nil {
		stop()
		return "", nil, err
	}
	mapped, err := cont.MappedPort(ctx, nat.Port(port))
	if err != nil {
		stop()
		return "", nil, err
	}
	return fmt.Sprintf("%s://%s:%s", scheme, host, mapped.Port()), stop, nil
}

// StartInflux launches an InfluxDB 2.7 container initialized with setup and
// returns its HTTP URL.
func StartInflux(ctx context.Context, setup InfluxSetup) (string, func(), error) {
	req := tc.ContainerRequest{
		Image:        "influxdb:2.7",
		ExposedPorts: []string{"8086/tcp"},
		Env: map[string]string{
			"DOCKER_INFLUXDB_INIT_MODE":        "setup",
			"DOCKER_INFLUXDB_INIT_USERNAME":    "admin",
			"DOCKER_INFLUXDB_INIT_PASSWORD":    "adminpassword",
			"DOCKER_INFLUXDB_INIT_ORG":         setup.Org,
			"DOCKER_INFLUXDB_INIT_BUCKET":      setup.Bucket,
			"DOCKER_INFLUXDB_INIT_ADMIN_TOKEN": setup.Token,
		},
		WaitingFor: wait.ForHTTP("/health").WithPort("8086/tcp").WithStartupTimeout(InfluxStartupTimeout),
	}
	return endpoint(ctx, req, "http", "8086")
}

// StartMosquitto launches an anonymous Mosquitto broker and returns its
// tcp URL once a client can connect.
func StartMosquitto(ctx context.Context) (string, func(), error) {
	dir, err := os.MkdirTemp("", "mosq")
	if err != nil {
		return "", nil, err
	}
	path := filepath.Join(dir, "mosquitto.conf")
	if err := os.WriteFile(path, []byte(mosquittoConf), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, err
	}
	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2.0",
		ExposedPorts: []string{"1883/tcp"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
		Files: []tc.ContainerFile{{
			HostFilePath:      path,
			ContainerFilePath: "/mosquitto/config/mosquitto.conf",
			FileMode:          0o644,
		}},
	}
	broker, stop, err := endpoint(ctx, req, "tcp", "1883")
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, err
	}
	cleanup := func() {
		stop()
		_ = os.RemoveAll(dir)
	}

	waitCtx, cancel := context.WithTimeout(ctx, MosquittoReadyTimeout)
	defer cancel()
	if err := waitForMQTTReady(waitCtx, broker); err != nil {
		cleanup()
		return "", nil, err
	}
	return broker, cleanup, nil
}

func waitForMQTTReady(ctx context.Context, broker string) error {
	opts := paho.NewClientOptions().AddBroker(broker).SetClientID("serverqueue-probe")
	return poll(ctx, func() bool {
		cli := paho.NewClient(opts)
		token := cli.Connect()
		token.Wait()
		if token.Error() != nil {
			return false
		}
		cli.Disconnect(100)
		return true
	})
}

// WaitForMetric polls metricsURL until its body contains substr.
func WaitForMetric(ctx context.Context, metricsURL, substr string) error {
	var readErr error
	err := poll(ctx, func() bool {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, metricsURL, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			readErr = fmt.Errorf("read metrics body: %w", err)
			return true
		}
		return strings.Contains(string(body), substr)
	})
	if readErr != nil {
		return readErr
	}
	if err != nil {
		return fmt.Errorf("metric %q not found: %w", substr, err)
	}
	return nil
}

func poll(ctx context.Context, done func() bool) error {
	for {
		if done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
