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

// The vcenter-operator discovers vCenters via DNS and keeps their OpenStack
// deployments, service users and NSX-T managers in sync with the templates
// and configuration stored in the cluster.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	ctrlcfg "sigs.k8s.io/controller-runtime/pkg/client/config"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	ctrlsig "sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/sapcc/vcenter-operator/pkg/config"
	"github.com/sapcc/vcenter-operator/pkg/configurator"
	"github.com/sapcc/vcenter-operator/pkg/discovery"
)

const (
	pollInterval = 10 * time.Second
	tickTimeout  = 5 * time.Minute
)

// vcenterNameRe matches the DNS names of vCenter hosts within the service
// domain.
var vcenterNameRe = regexp.MustCompile(`\Avc-[a-z]+-\d+\z`)

func main() {
	var dryRun bool
	flag.BoolVar(&dryRun, "dry-run", false, "Render and reconcile without writing any changes.")
	klog.InitFlags(nil)
	flag.Parse()
	applyLogLevel()
	ctrllog.SetLogger(klog.Background())
	log := klog.Background().WithName("main")

	// the DSN comes from SENTRY_DSN, without it events are simply dropped
	if err := sentry.Init(sentry.ClientOptions{}); err != nil {
		log.Error(err, "could not initialize sentry")
	}
	defer sentry.Flush(2 * time.Second)

	bootstrap, err := config.Load()
	if err != nil {
		klog.Fatalf("failed to load bootstrap configuration: %v", err)
	}
	restCfg, err := ctrlcfg.GetConfig()
	if err != nil {
		klog.Fatalf("failed to load cluster configuration: %v", err)
	}
	kube := kubernetes.NewForConfigOrDie(restCfg)
	dyn := dynamic.NewForConfigOrDie(restCfg)
	ext := apiextensionsclient.NewForConfigOrDie(restCfg)

	c := configurator.New(bootstrap.Domain, bootstrap.GlobalOptions(), dryRun,
		kube, dyn, ext, kube.Discovery())

	ctx := ctrlsig.SetupSignalHandler()
	if err := c.Bootstrap(ctx); err != nil {
		klog.Fatalf("failed to load configuration: %v", err)
	}

	addr, err := backendAddress(ctx, c, kube, bootstrap)
	if err != nil {
		klog.Fatalf("failed to locate the dns backend: %v", err)
	}
	log.Info("starting", "domain", bootstrap.Domain, "dns", addr, "dryRun", dryRun)

	dns := discovery.New(bootstrap.Domain, addr, c.Option("tsig_key"))
	dns.Register(vcenterNameRe, c.HostsChanged)

	defer c.Stop(context.Background())

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
		dns.Discover(tickCtx)
		if err := c.Poll(tickCtx); err != nil {
			sentry.CaptureException(err)
			log.Error(err, "configuration run failed")
		}
		cancel()

		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
		}
	}
}

// backendAddress resolves the zone transfer endpoint, either from the
// dns_ip/dns_port options or from the mdns backend service.
func backendAddress(ctx context.Context, c *configurator.Configurator, kube kubernetes.Interface, bootstrap *config.Bootstrap) (string, error) {
	if ip := c.Option("dns_ip"); ip != "" {
		port := c.Option("dns_port")
		if port == "" {
			port = "53"
		}
		return net.JoinHostPort(ip, port), nil
	}
	namespace := c.Option("namespace")
	if namespace == "" {
		namespace = bootstrap.Namespace
	}
	return discovery.BackendAddress(ctx, kube, namespace, bootstrap.InCluster)
}

// applyLogLevel maps the LOG_LEVEL environment variable onto the klog
// verbosity. An unknown level is a configuration error.
func applyLogLevel() {
	level, ok := os.LookupEnv("LOG_LEVEL")
	if !ok {
		return
	}
	verbosity, ok := map[string]string{
		"DEBUG":   "4",
		"INFO":    "2",
		"WARNING": "1",
		"ERROR":   "0",
	}[strings.ToUpper(level)]
	if !ok {
		klog.Fatalf("the configured log-level %q is not available", level)
	}
	if err := flag.Set("v", verbosity); err != nil {
		klog.Fatalf("failed to set log level: %v", err)
	}
}
