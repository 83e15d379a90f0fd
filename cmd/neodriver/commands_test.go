package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/acaloiaro/neodriver"
	"github.com/acaloiaro/neodriver/backends/memory"
	"github.com/acaloiaro/neodriver/backends/mongo"
	"github.com/acaloiaro/neodriver/backends/postgres"
	"github.com/acaloiaro/neodriver/backends/sqlite"
	"github.com/acaloiaro/neodriver/config"
	"github.com/acaloiaro/neodriver/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// sharedDriver returns a connector that hands every invocation the same memory-backed driver, so that state survives
// between commands
func sharedDriver(t *testing.T) (connector, *globalFlags) {
	t.Helper()

	nd, err := neodriver.New(context.Background(),
		neodriver.WithBackend(memory.Backend),
		config.WithLogLevel(logging.LogLevelError))
	require.NoError(t, err)
	t.Cleanup(func() { nd.Shutdown(context.Background()) })

	seen := &globalFlags{}
	return func(_ context.Context, flags globalFlags) (neodriver.Driver, error) {
		*seen = flags
		return unclosable{nd}, nil
	}, seen
}

// unclosable ignores Shutdown so that one driver can serve several commands
type unclosable struct {
	neodriver.Driver
}

func (unclosable) Shutdown(context.Context) {}

func execute(t *testing.T, open connector, args ...string) (stdout string, err error) {
	t.Helper()

	cmd := newRootCmd(open)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)

	err = cmd.Execute()
	return out.String(), err
}

func TestPushPeekCountPop(t *testing.T) {
	open, _ := sharedDriver(t)

	for _, body := range []string{"first", "second"} {
		_, err := execute(t, open, "push", "greetings", body)
		require.NoError(t, err)
	}

	out, err := execute(t, open, "peek", "greetings")
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", out)

	out, err = execute(t, open, "count", "greetings")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = execute(t, open, "pop", "greetings", "--ack")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "first\t"), "unexpected output %q", out)

	out, err = execute(t, open, "count", "greetings")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)
}

func TestPopEmptyQueuePrintsNothing(t *testing.T) {
	open, _ := sharedDriver(t)

	out, err := execute(t, open, "pop", "empty", "--timeout", "10ms")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestQueueCommands(t *testing.T) {
	open, _ := sharedDriver(t)

	for _, q := range []string{"b", "a"} {
		_, err := execute(t, open, "create", q)
		require.NoError(t, err)
	}

	out, err := execute(t, open, "list")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", out)

	_, err = execute(t, open, "remove", "a")
	require.NoError(t, err)

	out, err = execute(t, open, "list")
	require.NoError(t, err)
	assert.Equal(t, "b\n", out)

	out, err = execute(t, open, "info")
	require.NoError(t, err)
	assert.Contains(t, out, `"capability"`)
}

func TestGlobalFlags(t *testing.T) {
	open, seen := sharedDriver(t)

	_, err := execute(t, open, "--backend", "redis", "--dsn", "localhost:6379", "--log-level", "debug", "count", "q")
	require.NoError(t, err)
	assert.Equal(t, globalFlags{backend: "redis", dsn: "localhost:6379", logLevel: "debug"}, *seen)
}

func TestArgumentValidation(t *testing.T) {
	open, _ := sharedDriver(t)

	_, err := execute(t, open, "push", "only-a-queue")
	assert.Error(t, err)

	_, err = execute(t, open, "list", "unexpected")
	assert.Error(t, err)
}

func TestConnectRejectsUnknownSettings(t *testing.T) {
	_, err := connect(context.Background(), globalFlags{backend: "carrier-pigeon", logLevel: "info"})
	assert.ErrorContains(t, err, "unknown backend")

	_, err = connect(context.Background(), globalFlags{backend: "memory", logLevel: "loud"})
	assert.ErrorContains(t, err, "unknown log level")

	nd, err := connect(context.Background(), globalFlags{backend: "memory", logLevel: "ERROR"})
	require.NoError(t, err)
	nd.Shutdown(context.Background())
}

func TestParseReceipt(t *testing.T) {
	id := primitive.NewObjectID()

	tests := []struct {
		backend string
		raw     string
		want    any
	}{
		{"postgres", "42.1", postgres.Receipt{ID: 42, Delivery: 1}},
		{"sqlite", "7.3", sqlite.Receipt{ID: 7, Delivery: 3}},
		{"mongo", id.Hex() + ".2", mongo.Receipt{ID: id, Delivery: 2}},
		{"sqs", "AQEB+handle==", "AQEB+handle=="},
	}

	for _, tt := range tests {
		got, err := parseReceipt(tt.backend, tt.raw)
		require.NoError(t, err, tt.backend)
		assert.Equal(t, tt.want, got, tt.backend)
	}

	_, err := parseReceipt("postgres", "not-a-number")
	assert.Error(t, err)

	_, err = parseReceipt("mongo", "zz.1")
	assert.Error(t, err)

	// delivery tags and in-process reservations do not outlive the invocation that popped them
	for _, backend := range []string{"amqp", "memory", "redis"} {
		_, err = parseReceipt(backend, "1")
		assert.ErrorIs(t, err, errAckUnsupported, backend)
	}
}

func TestPopWaitsForTheDefaultTimeout(t *testing.T) {
	open, _ := sharedDriver(t)

	pop, _, err := newRootCmd(open).Find([]string{"pop"})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultPopTimeout.String(), pop.Flags().Lookup("timeout").DefValue)
}
