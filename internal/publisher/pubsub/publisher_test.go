package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPublishInjectsTraceContext(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	_, err := srv.GServer.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/p/topics/selections"})
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "p",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	pub := New(client, "selections")
	t.Cleanup(func() { _ = pub.Close() })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })
	spanCtx, span := tp.Tracer("test").Start(ctx, "publish")
	defer span.End()

	id, err := pub.Publish(spanCtx, "", map[string]string{"keyword": "원피스"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	require.Equal(t, "원피스", payload["keyword"])
	require.Equal(t, "application/json", msgs[0].Attributes["content-type"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	var nilPub *Publisher
	_, err := nilPub.Publish(context.Background(), "t", nil)
	require.Error(t, err)
	require.NoError(t, nilPub.Close())

	_, err = New(nil, "").Publish(context.Background(), "", nil)
	require.Error(t, err)
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	carrier := &pubsubCarrier{attrs: map[string]string{}}
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	prop := propagation.TraceContext{}
	prop.Inject(ctx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))
	require.Contains(t, carrier.Keys(), "traceparent")

	extracted := prop.Extract(context.Background(), carrier)
	require.NotNil(t, extracted)
}
