package redis

import (
	"context"
	"fmt"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nextlevelbuilder/turnkit/internal/store"
)

var (
	testClient      *goredis.Client
	skipIntegration bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var (
		container    testcontainers.Container
		containerErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, redis storage tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, herr := container.Host(ctx)
		port, perr := container.MappedPort(ctx, "6379")
		if herr != nil || perr != nil {
			skipIntegration = true
		} else {
			testClient = goredis.NewClient(&goredis.Options{Addr: host + ":" + port.Port()})
			if err := testClient.Ping(ctx).Err(); err != nil {
				skipIntegration = true
			}
		}
	}

	code := m.Run()

	if testClient != nil {
		_ = testClient.Close()
	}
	if container != nil {
		_ = container.Terminate(ctx)
	}
	os.Exit(code)
}

func newStorage(t *testing.T) *Storage {
	t.Helper()
	if skipIntegration {
		t.Skip("redis not available")
	}
	return New(testClient, Options{Prefix: "test:" + t.Name() + ":"})
}

func TestStorage_WriteReadDelete(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)

	require.NoError(t, s.Write(ctx, map[string]store.Item{"a": {Value: []byte(`{"n":1}`)}}))

	got, err := s.Read(ctx, []string{"a", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"n":1}`, string(got["a"].Value))
	assert.NotEmpty(t, got["a"].ETag)

	require.NoError(t, s.Delete(ctx, []string{"a"}))
	got, err = s.Read(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStorage_ConditionalWrite(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)

	require.NoError(t, s.Write(ctx, map[string]store.Item{"x": {Value: []byte(`1`), ETag: "ex-1"}}))

	err := s.Write(ctx, map[string]store.Item{"x": {Value: []byte(`2`), ETag: "ex-1"}})
	require.ErrorIs(t, err, store.ErrConcurrencyConflict)

	got, err := s.Read(ctx, []string{"x"})
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, map[string]store.Item{"x": {Value: []byte(`3`), ETag: got["x"].ETag}}))
	require.NoError(t, s.Write(ctx, map[string]store.Item{"x": {Value: []byte(`4`), ETag: store.ETagAny}}))
}
