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

// Package claim talks to the two Kubernetes custom resources that back a
// sandbox: SandboxClaim (what the orchestrator creates) and Sandbox (what
// a controller elsewhere in the cluster reconciles into a running pod).
//
// Both are accessed through the dynamic unstructured client rather than a
// generated typed client: the orchestrator has no compile-time dependency
// on the CRD's Go types, it only needs to read a name and a Ready condition
// and write a template reference.
package claim

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
)

var (
	sandboxClaimGVR = schema.GroupVersionResource{
		Group: "extensions.agents.x-k8s.io", Version: "v1alpha1", Resource: "sandboxclaims",
	}
	sandboxGVR = schema.GroupVersionResource{
		Group: "agents.x-k8s.io", Version: "v1alpha1", Resource: "sandboxes",
	}
)

var dnsLabelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ClaimName derives the deterministic sandbox claim name for a session_id:
// <prefix>-<first 12 hex chars of sha256(session_id)>. The result is
// always a valid DNS-1123 label (spec invariant 1).
func ClaimName(prefix, sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	hexSum := hex.EncodeToString(sum[:])
	name := fmt.Sprintf("%s-%s", prefix, hexSum[:12])
	if !dnsLabelRe.MatchString(name) {
		// prefix contained characters outside the DNS-1123 alphabet; fall
		// back to an all-hash name, which is always conformant.
		name = "sbx-" + hexSum[:12]
	}
	return name
}

// Client manages SandboxClaim/Sandbox custom resources for one namespace.
type Client struct {
	dyn       dynamic.Interface
	namespace string
}

// New constructs a Client bound to namespace, using dyn for all API calls.
func New(dyn dynamic.Interface, namespace string) *Client {
	return &Client{dyn: dyn, namespace: namespace}
}

// EnsureClaim creates the SandboxClaim for claimName if it does not already
// exist (idempotent). The returned bool reports whether this call created
// a brand-new claim (false means an existing claim was reused, i.e. a
// reconnect per spec §4.1).
func (c *Client) EnsureClaim(ctx context.Context, claimName, templateName string) (existed bool, err error) {
	res := c.dyn.Resource(sandboxClaimGVR).Namespace(c.namespace)

	_, err = res.Get(ctx, claimName, metav1.GetOptions{})
	if err == nil {
		return true, nil
	}
	if !apierrors.IsNotFound(err) {
		return false, fmt.Errorf("get sandboxclaim %s: %w", claimName, err)
	}

	obj := &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "extensions.agents.x-k8s.io/v1alpha1",
			"kind":       "SandboxClaim",
			"metadata": map[string]interface{}{
				"name":      claimName,
				"namespace": c.namespace,
			},
			"spec": map[string]interface{}{
				"sandboxTemplateRef": map[string]interface{}{
					"name": templateName,
				},
			},
		},
	}

	if _, err := res.Create(ctx, obj, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return true, nil
		}
		return false, fmt.Errorf("create sandboxclaim %s: %w", claimName, err)
	}
	return false, nil
}

// WaitReady polls the Sandbox resource named claimName until a condition
// with type=Ready, status=True appears, or timeout elapses.
func (c *Client) WaitReady(ctx context.Context, claimName string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := c.dyn.Resource(sandboxGVR).Namespace(c.namespace)

	return wait.PollUntilContextCancel(ctx, 2*time.Second, true, func(ctx context.Context) (bool, error) {
		obj, err := res.Get(ctx, claimName, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return isReady(obj), nil
	})
}

func isReady(obj *unstructured.Unstructured) bool {
	conditions, found, err := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if err != nil || !found {
		return false
	}
	for _, raw := range conditions {
		cond, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if cond["type"] == "Ready" && cond["status"] == "True" {
			return true
		}
	}
	return false
}

// DeleteClaim deletes the SandboxClaim with foreground propagation. A 404
// is treated as success (spec §4.1).
func (c *Client) DeleteClaim(ctx context.Context, claimName string) error {
	policy := metav1.DeletePropagationForeground
	err := c.dyn.Resource(sandboxClaimGVR).Namespace(c.namespace).Delete(ctx, claimName, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete sandboxclaim %s: %w", claimName, err)
	}
	return nil
}
