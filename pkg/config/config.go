/*
Copyright 2024 SAP SE.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config derives the operator's bootstrap settings from its
// environment: the service domain the vCenters live in and the namespace the
// operator itself runs in. Everything else comes from the operator secret at
// runtime.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/client-go/tools/clientcmd"
)

const serviceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// regionRe matches region identifiers like qa-de-1 inside a cluster name.
var regionRe = regexp.MustCompile(`[a-z]+-[a-z]+-\d`)

// Bootstrap is the environment-derived starting configuration.
type Bootstrap struct {
	// Domain is the DNS zone the vCenters are discovered in.
	Domain string
	// Namespace is the namespace the operator reads its secret from and
	// deploys into by default.
	Namespace string
	// InCluster reports whether the operator runs inside the cluster it
	// manages.
	InCluster bool
}

// GlobalOptions returns the bootstrap settings in the shape the template
// options are built from.
func (b *Bootstrap) GlobalOptions() map[string]interface{} {
	return map[string]interface{}{
		"own_namespace": b.Namespace,
		"incluster":     b.InCluster,
	}
}

// Load detects the runtime environment. Inside a cluster the namespace comes
// from the service account and the domain from the resolver search path,
// outside both are derived from the kubeconfig's current context. The
// SERVICE_DOMAIN environment variable overrides the domain either way.
func Load() (*Bootstrap, error) {
	var b *Bootstrap
	var err error
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		b, err = loadInCluster()
	} else {
		b, err = loadKubeconfig()
	}
	if err != nil {
		return nil, err
	}
	if domain := os.Getenv("SERVICE_DOMAIN"); domain != "" {
		b.Domain = domain
	}
	return b, nil
}

func loadInCluster() (*Bootstrap, error) {
	namespace, err := os.ReadFile(serviceAccountNamespaceFile)
	if err != nil {
		return nil, errors.Wrap(err, "reading service account namespace")
	}
	resolv, err := os.Open("/etc/resolv.conf")
	if err != nil {
		return nil, errors.Wrap(err, "reading resolver configuration")
	}
	defer resolv.Close()
	domain, err := SearchDomain(resolv)
	if err != nil {
		return nil, err
	}
	return &Bootstrap{
		Domain:    domain,
		Namespace: strings.TrimSpace(string(namespace)),
		InCluster: true,
	}, nil
}

func loadKubeconfig() (*Bootstrap, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	raw, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).RawConfig()
	if err != nil {
		return nil, errors.Wrap(err, "loading kubeconfig")
	}
	context, ok := raw.Contexts[raw.CurrentContext]
	if !ok {
		return nil, errors.Errorf("kubeconfig has no context %q", raw.CurrentContext)
	}
	region, err := RegionFromCluster(context.Cluster)
	if err != nil {
		return nil, err
	}
	return &Bootstrap{
		Domain:    fmt.Sprintf("cc.%s.cloud.sap", region),
		Namespace: "kube-system",
		InCluster: false,
	}, nil
}

// RegionFromCluster extracts the region from a cluster name, for example
// kubectl-sync:1234:qa-de-2:1.25.6 yields qa-de-2.
func RegionFromCluster(cluster string) (string, error) {
	region := regionRe.FindString(cluster)
	if region == "" {
		return "", errors.Errorf("cannot derive region from cluster %q", cluster)
	}
	return region, nil
}

// SearchDomain returns the last entry of the resolver's search path, by
// convention the zone the vCenters are registered in.
func SearchDomain(r io.Reader) (string, error) {
	domain := ""
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "search" {
			continue
		}
		domain = fields[len(fields)-1]
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(err, "reading resolver configuration")
	}
	if domain == "" {
		return "", errors.New("resolver configuration has no search domain")
	}
	return domain, nil
}
