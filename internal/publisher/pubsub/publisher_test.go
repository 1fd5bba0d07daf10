package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type event struct {
	URL string `json:"url"`
}

func (e event) Attributes() map[string]string {
	return map[string]string{"event": "price"}
}

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(ctx, "results")
	require.NoError(t, err)
	return client, srv
}

func TestPublisherPublish(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	pub := New(client, "results")
	t.Cleanup(pub.Stop)

	id, err := pub.Publish(context.Background(), "", event{URL: "https://shop.com/p"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "https://shop.com/p", got.URL)
	require.Equal(t, "price", msgs[0].Attributes["event"])
	require.Equal(t, "application/json", msgs[0].Attributes["content_type"])
}

func TestPublisherErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "x").Publish(context.Background(), "", 1)
	require.Error(t, err)

	client, _ := newTestClient(t)
	pub := New(client, "")
	_, err = pub.Publish(context.Background(), "", 1)
	require.ErrorContains(t, err, "topic is required")

	_, err = pub.Publish(context.Background(), "results", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}
