package wsserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/amicable/orchestrator/internal/agentrt"
	"github.com/amicable/orchestrator/internal/auth"
	"github.com/amicable/orchestrator/internal/checkpoint"
	"github.com/amicable/orchestrator/internal/claim"
	"github.com/amicable/orchestrator/internal/qa"
	"github.com/amicable/orchestrator/internal/session"
	"github.com/amicable/orchestrator/internal/wsproto"
)

// scriptedAgent streams a fixed sequence of upstream events regardless of
// the messages it is invoked with.
type scriptedAgent struct {
	events []agentrt.UpstreamEvent
}

func (b *scriptedAgent) Stream(context.Context, string, []agentrt.Message) (<-chan agentrt.UpstreamEvent, error) {
	ch := make(chan agentrt.UpstreamEvent, len(b.events))
	for _, ev := range b.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func newTestJWT(t *testing.T) (validator *auth.JWTValidator, token string) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))
	keyset := jwk.NewSet()
	require.NoError(t, keyset.AddKey(key))

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, _ := json.Marshal(keyset)
		w.Write(out)
	}))
	t.Cleanup(jwks.Close)

	validator, err = auth.NewJWTValidator(jwks.URL, "https://issuer.example", "orchestrator")
	require.NoError(t, err)

	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.IssuerKey, "https://issuer.example"))
	require.NoError(t, tok.Set(jwt.AudienceKey, "orchestrator"))
	require.NoError(t, tok.Set(jwt.SubjectKey, "user-1"))
	require.NoError(t, tok.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))

	signKey, err := jwk.FromRaw(priv)
	require.NoError(t, err)
	require.NoError(t, signKey.Set(jwk.KeyIDKey, "test-key"))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, signKey))
	require.NoError(t, err)
	return validator, string(signed)
}

var sandboxGVR = schema.GroupVersionResource{Group: "agents.x-k8s.io", Version: "v1alpha1", Resource: "sandboxes"}

func newReadyClaimsClient(t *testing.T, claimName string) *claim.Client {
	t.Helper()
	scheme := runtime.NewScheme()
	dyn := dynamicfake.NewSimpleDynamicClient(scheme)

	ready := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "agents.x-k8s.io/v1alpha1",
		"kind":       "Sandbox",
		"metadata":   map[string]interface{}{"name": claimName, "namespace": "default"},
		"status": map[string]interface{}{
			"conditions": []interface{}{
				map[string]interface{}{"type": "Ready", "status": "True"},
			},
		},
	}}
	_, err := dyn.Resource(sandboxGVR).Namespace("default").Create(context.Background(), ready, metav1.CreateOptions{})
	require.NoError(t, err)

	return claim.New(dyn, "default")
}

func newTestServer(t *testing.T, backend agentrt.Backend, sessionID string) (*Server, string) {
	t.Helper()
	validator, token := newTestJWT(t)
	claimName := claim.ClaimName("sbx", sessionID)

	srv := &Server{
		Registry:          session.NewRegistry(),
		Auth:              validator,
		Claims:            newReadyClaimsClient(t, claimName),
		ClaimPrefix:       "sbx",
		ClaimReadyTimeout: 2 * time.Second,
		Checkpoints:       checkpoint.NewMemoryStore(),
		AgentBackend:      backend,
		QAConfig:          qa.Config{Enabled: false},
		Debounce:          time.Millisecond,
		PreviewURL: func(sessionID, slug string) string {
			return "https://preview.example/" + sessionID
		},
	}
	return srv, token
}

func dialSession(t *testing.T, ts *httptest.Server, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + sessionID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsproto.OutFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame wsproto.OutFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestInitRejectsInvalidToken(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedAgent{}, "sess-1")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sess-1?token=garbage"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestInitThenUserRunsTurnToCompletion(t *testing.T) {
	backend := &scriptedAgent{events: []agentrt.UpstreamEvent{
		{Type: agentrt.UpstreamTokenStream, Delta: "Done."},
		{Type: agentrt.UpstreamChainEnd, FinalOutput: &agentrt.Message{Role: "assistant", Content: "Done."}},
	}}
	srv, token := newTestServer(t, backend, "sess-1")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	conn := dialSession(t, ts, "sess-1", token)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsproto.Envelope{
		Type:    wsproto.InboundInit,
		Payload: mustJSON(t, wsproto.InitPayload{SessionID: "sess-1", TemplateID: "node-18", Slug: "my-app"}),
	}))
	init := readFrame(t, conn)
	require.Equal(t, wsproto.OutInit, init.Type)

	require.NoError(t, conn.WriteJSON(wsproto.Envelope{
		Type:    wsproto.InboundUser,
		Payload: mustJSON(t, wsproto.UserPayload{Text: "add a health check endpoint"}),
	}))

	var sawCompleted bool
	for i := 0; i < 10 && !sawCompleted; i++ {
		frame := readFrame(t, conn)
		if frame.Type == wsproto.OutUpdateCompleted {
			sawCompleted = true
		}
	}
	require.True(t, sawCompleted, "expected an UPDATE_COMPLETED frame")
}

func TestHITLInterruptBlocksFurtherUserMessages(t *testing.T) {
	backend := &scriptedAgent{events: []agentrt.UpstreamEvent{
		{Type: agentrt.UpstreamChainStream, Interrupt: &agentrt.InterruptPayload{
			InterruptID: "int-1",
			Value: agentrt.HITLPayload{
				ActionRequests: []agentrt.ActionRequestView{{Name: "execute", Description: "rm -rf build/"}},
				ReviewConfigs:  []agentrt.ReviewConfigView{{ActionName: "execute", AllowedDecisions: []string{"approve", "reject"}}},
			},
		}},
	}}
	srv, token := newTestServer(t, backend, "sess-2")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	conn := dialSession(t, ts, "sess-2", token)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsproto.Envelope{
		Type:    wsproto.InboundInit,
		Payload: mustJSON(t, wsproto.InitPayload{SessionID: "sess-2", TemplateID: "node-18"}),
	}))
	readFrame(t, conn) // INIT ack

	require.NoError(t, conn.WriteJSON(wsproto.Envelope{
		Type:    wsproto.InboundUser,
		Payload: mustJSON(t, wsproto.UserPayload{Text: "clean the build dir"}),
	}))

	var hitl wsproto.OutFrame
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame.Type == wsproto.OutHITLRequest {
			hitl = frame
			break
		}
	}
	require.Equal(t, wsproto.OutHITLRequest, hitl.Type)

	require.NoError(t, conn.WriteJSON(wsproto.Envelope{
		Type:    wsproto.InboundUser,
		Payload: mustJSON(t, wsproto.UserPayload{Text: "another request while pending"}),
	}))
	rejected := readFrame(t, conn)
	require.Equal(t, wsproto.OutError, rejected.Type)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	out, err := json.Marshal(v)
	require.NoError(t, err)
	return out
}
