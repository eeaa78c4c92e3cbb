// Copyright 2025 Amicable
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wsserver

import (
	"context"

	"github.com/amicable/orchestrator/internal/agentrt"
	"github.com/amicable/orchestrator/internal/controller"
	"github.com/amicable/orchestrator/internal/session"
	"github.com/amicable/orchestrator/internal/wsproto"
)

// runnerAdapter satisfies controller.AgentRunner by delegating to an
// agentrt.Runner. The two packages define structurally identical but
// distinct Interrupt/ActionRequestView/ReviewConfigView types to avoid an
// import cycle (controller already imports agentrt for Message/ToolCall);
// this is the one place that knows how to convert between them.
type runnerAdapter struct {
	runner *agentrt.Runner
}

func (a *runnerAdapter) Invoke(ctx context.Context, threadID string, messages []agentrt.Message) (controller.AgentResult, error) {
	res, err := a.runner.Invoke(ctx, threadID, messages)
	if err != nil {
		return controller.AgentResult{}, err
	}
	out := controller.AgentResult{Messages: res.Messages}
	if res.Interrupt != nil {
		out.Interrupt = &controller.Interrupt{
			ID:             res.Interrupt.ID,
			ActionRequests: toControllerActionRequestViews(res.Interrupt.ActionRequests),
			ReviewConfigs:  toControllerReviewConfigViews(res.Interrupt.ReviewConfigs),
		}
	}
	return out, nil
}

func toControllerActionRequestViews(in []agentrt.ActionRequestView) []controller.ActionRequestView {
	out := make([]controller.ActionRequestView, len(in))
	for i, r := range in {
		out[i] = controller.ActionRequestView{Name: r.Name, Args: r.Args, Description: r.Description}
	}
	return out
}

func toControllerReviewConfigViews(in []agentrt.ReviewConfigView) []controller.ReviewConfigView {
	out := make([]controller.ReviewConfigView, len(in))
	for i, rc := range in {
		out[i] = controller.ReviewConfigView{ActionName: rc.ActionName, AllowedDecisions: rc.AllowedDecisions}
	}
	return out
}

func toControllerActionRequests(in []session.ActionRequest) []controller.ActionRequestView {
	out := make([]controller.ActionRequestView, len(in))
	for i, r := range in {
		out[i] = controller.ActionRequestView{Name: r.Name, Args: r.Args, Description: r.Description}
	}
	return out
}

func toControllerReviewConfigs(in []session.ReviewConfig) []controller.ReviewConfigView {
	out := make([]controller.ReviewConfigView, len(in))
	for i, rc := range in {
		out[i] = controller.ReviewConfigView{ActionName: rc.ActionName, AllowedDecisions: rc.AllowedDecisions}
	}
	return out
}

func toSessionActionRequests(in []controller.ActionRequestView) []session.ActionRequest {
	out := make([]session.ActionRequest, len(in))
	for i, r := range in {
		out[i] = session.ActionRequest{Name: r.Name, Args: r.Args, Description: r.Description}
	}
	return out
}

func toSessionReviewConfigs(in []controller.ReviewConfigView) []session.ReviewConfig {
	out := make([]session.ReviewConfig, len(in))
	for i, rc := range in {
		out[i] = session.ReviewConfig{ActionName: rc.ActionName, AllowedDecisions: rc.AllowedDecisions}
	}
	return out
}

// frameFromDownstream converts one C7 mapper event into a wire frame.
func frameFromDownstream(ev agentrt.DownstreamEvent) wsproto.OutFrame {
	switch ev.Type {
	case agentrt.DownAgentPartial:
		return wsproto.OutFrame{Type: wsproto.OutAgentPartial, Data: wsproto.TextData{Text: ev.Text}}
	case agentrt.DownAgentFinal:
		return wsproto.OutFrame{Type: wsproto.OutAgentFinal, Data: wsproto.TextData{Text: ev.Text}}
	case agentrt.DownUpdateFile:
		return wsproto.OutFrame{Type: wsproto.OutUpdateFile, Data: wsproto.TextData{Label: ev.Label}}
	case agentrt.DownTraceEvent:
		td := wsproto.TraceData{}
		if ev.Trace != nil {
			td = wsproto.TraceData{
				Phase:    ev.Trace.Phase,
				ToolName: ev.Trace.ToolName,
				Input:    ev.Trace.Input,
				Output:   ev.Trace.Output,
				TraceID:  ev.Trace.TraceID,
			}
		}
		return wsproto.OutFrame{Type: wsproto.OutTraceEvent, Data: td}
	case agentrt.DownHITLRequest:
		var data *wsproto.HITLRequestData
		if ev.HITL != nil {
			if p, ok := ev.HITL.Value.(agentrt.HITLPayload); ok {
				data = &wsproto.HITLRequestData{
					InterruptID:    ev.HITL.InterruptID,
					ActionRequests: actionRequestsToWire(p.ActionRequests),
					ReviewConfigs:  reviewConfigsToWire(p.ReviewConfigs),
				}
			}
		}
		return wsproto.OutFrame{Type: wsproto.OutHITLRequest, Data: data}
	case agentrt.DownError:
		return wsproto.OutFrame{Type: wsproto.OutError, Data: wsproto.ErrorData{Message: ev.ErrText}}
	default:
		return wsproto.OutFrame{Type: wsproto.OutUpdateInProgress, Data: wsproto.TextData{Text: ev.Text, Label: ev.Label}}
	}
}

func actionRequestsToWire(in []agentrt.ActionRequestView) []wsproto.ActionRequestData {
	out := make([]wsproto.ActionRequestData, len(in))
	for i, r := range in {
		out[i] = wsproto.ActionRequestData{Name: r.Name, Args: r.Args, Description: r.Description}
	}
	return out
}

func reviewConfigsToWire(in []agentrt.ReviewConfigView) []wsproto.ReviewConfigData {
	out := make([]wsproto.ReviewConfigData, len(in))
	for i, rc := range in {
		out[i] = wsproto.ReviewConfigData{ActionName: rc.ActionName, AllowedDecisions: rc.AllowedDecisions}
	}
	return out
}
