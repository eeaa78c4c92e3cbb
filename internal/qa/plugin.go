package qa

import (
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
)

// handshakeConfig gates which binaries can attach as stack-detector
// plugins; the magic cookie is checked before any RPC call is made.
var handshakeConfig = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "ORCHESTRATOR_QA_PLUGIN",
	MagicCookieValue: "orchestrator_qa_plugin_v1",
}

// detectRequest/detectResponse are the RPC wire shapes exchanged with an
// out-of-process detector plugin.
type detectRequest struct {
	Manifest []ManifestEntry
}

type detectResponse struct {
	Matched  bool
	Commands []string
}

// rpcDetectorServer is what an external plugin binary implements and
// registers against net/rpc.
type rpcDetectorServer interface {
	Detect(req detectRequest, resp *detectResponse) error
}

// detectorPlugin adapts a StackDetector to go-plugin's net/rpc plugin
// protocol (no gRPC/protobuf codegen needed for this small request shape,
// unlike the teacher's LLM/database/embedder plugins which carry a larger
// streaming surface).
type detectorPlugin struct {
	Impl StackDetector
}

func (p *detectorPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &rpcDetectorServerImpl{impl: p.Impl}, nil
}

func (p *detectorPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcDetectorClient{client: c}, nil
}

type rpcDetectorServerImpl struct {
	impl StackDetector
}

func (s *rpcDetectorServerImpl) Detect(req detectRequest, resp *detectResponse) error {
	matched, commands := s.impl.Detect(req.Manifest)
	resp.Matched, resp.Commands = matched, commands
	return nil
}

// rpcDetectorClient implements StackDetector against a remote plugin
// process over net/rpc.
type rpcDetectorClient struct {
	client *rpc.Client
	name   string
}

func (c *rpcDetectorClient) Name() string { return c.name }

func (c *rpcDetectorClient) Detect(manifest []ManifestEntry) (bool, []string) {
	var resp detectResponse
	if err := c.client.Call("Plugin.Detect", detectRequest{Manifest: manifest}, &resp); err != nil {
		return false, nil
	}
	return resp.Matched, resp.Commands
}

// LoadExternalDetector launches binaryPath as a go-plugin subprocess and
// wraps it as a StackDetector, registering it under name for logging.
// The plugin has no bearing on the six built-in detectors' command
// selection — it is only consulted if none of them match.
func LoadExternalDetector(name, binaryPath string) (StackDetector, func(), error) {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: handshakeConfig,
		Plugins: map[string]goplugin.Plugin{
			"detector": &detectorPlugin{},
		},
		Cmd: exec.Command(binaryPath),
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "orchestrator-qa-plugin",
			Level: hclog.Info,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("qa: plugin RPC client: %w", err)
	}

	raw, err := rpcClient.Dispense("detector")
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("qa: dispense detector plugin: %w", err)
	}

	detector, ok := raw.(*rpcDetectorClient)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("qa: plugin %s did not return a detector client", name)
	}
	detector.name = name

	return detector, client.Kill, nil
}
