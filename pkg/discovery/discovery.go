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

// Package discovery enumerates the vCenter fleet by zone transfer from the
// region's mDNS backend. The zone's SOA serial is used as a cheap change
// detector; only a serial bump triggers a full AXFR and diff.
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

const (
	tsigKeyName   = "tsig-key."
	backendLabels = "component=mdns,type=backend"
)

// Callback receives the short names (first DNS label) that appeared and
// disappeared since the previous discovery round.
type Callback func(added, gone []string)

type pattern struct {
	re        *regexp.Regexp
	callbacks []Callback
	items     map[string]struct{}
}

// Discovery periodically transfers the zone and notifies the registered
// callbacks about host set changes.
type Discovery struct {
	zone       string
	addr       string
	tsigSecret string

	serial     uint32
	haveSerial bool
	patterns   []*pattern
	log        logr.Logger
}

// New creates a Discovery against the given server address ("ip:port") for
// the given zone. tsigSecret may be empty to transfer without signing.
func New(zone, addr, tsigSecret string) *Discovery {
	return &Discovery{
		zone:       dns.Fqdn(zone),
		addr:       addr,
		tsigSecret: tsigSecret,
		log:        klog.Background().WithName("discovery"),
	}
}

// BackendAddress finds the mDNS backend address from the labeled Service.
// In-cluster the service's cluster IP and target port are used, outside the
// first external IP and service port.
func BackendAddress(ctx context.Context, client kubernetes.Interface, namespace string, inCluster bool) (string, error) {
	services, err := client.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{LabelSelector: backendLabels})
	if err != nil {
		return "", errors.Wrap(err, "listing mdns backend services")
	}
	for _, svc := range services.Items {
		for _, port := range svc.Spec.Ports {
			if inCluster {
				return fmt.Sprintf("%s:%d", svc.Spec.ClusterIP, port.TargetPort.IntValue()), nil
			}
			if len(svc.Spec.ExternalIPs) > 0 {
				return fmt.Sprintf("%s:%d", svc.Spec.ExternalIPs[0], port.Port), nil
			}
		}
	}
	return "", errors.Errorf("no service with labels %s provides a usable address", backendLabels)
}

// Register adds a callback for names whose first label matches re.
func (d *Discovery) Register(re *regexp.Regexp, cb Callback) {
	for _, p := range d.patterns {
		if p.re.String() == re.String() {
			p.callbacks = append(p.callbacks, cb)
			return
		}
	}
	d.patterns = append(d.patterns, &pattern{
		re:        re,
		callbacks: []Callback{cb},
		items:     map[string]struct{}{},
	})
}

func (d *Discovery) tsig() map[string]string {
	if d.tsigSecret == "" {
		return nil
	}
	return map[string]string{tsigKeyName: d.tsigSecret}
}

func (d *Discovery) sign(m *dns.Msg) {
	if d.tsigSecret != "" {
		m.SetTsig(tsigKeyName, dns.HmacSHA256, 300, time.Now().Unix())
	}
}

func (d *Discovery) remoteSOASerial(ctx context.Context) (uint32, error) {
	client := &dns.Client{Net: "tcp", TsigSecret: d.tsig()}
	m := new(dns.Msg)
	m.SetQuestion(d.zone, dns.TypeSOA)
	d.sign(m)

	reply, _, err := client.ExchangeContext(ctx, m, d.addr)
	if err != nil {
		return 0, errors.Wrap(err, "SOA query failed")
	}
	for _, answer := range reply.Answer {
		if soa, ok := answer.(*dns.SOA); ok {
			return soa.Serial, nil
		}
	}
	return 0, errors.Errorf("no SOA record in answer for %s", d.zone)
}

// Discover fetches the SOA serial and, if it changed, transfers the zone and
// diffs the matched name sets. A failed transfer is logged and leaves all
// state unchanged.
func (d *Discovery) Discover(ctx context.Context) {
	serial, err := d.remoteSOASerial(ctx)
	if err != nil {
		d.log.Error(err, "could not fetch SOA serial")
		return
	}
	if d.haveSerial && d.serial == serial {
		d.log.V(4).Info("no change of SOA serial")
		return
	}

	accumulators := make([]map[string]struct{}, len(d.patterns))
	for i := range accumulators {
		accumulators[i] = map[string]struct{}{}
	}

	if err := d.walkZone(ctx, func(name string) {
		label := strings.SplitN(name, ".", 2)[0]
		for i, p := range d.patterns {
			if p.re.MatchString(label) {
				accumulators[i][label] = struct{}{}
			}
		}
	}); err != nil {
		d.log.Error(err, "zone transfer failed")
		return
	}

	for i, p := range d.patterns {
		var added, gone []string
		for name := range accumulators[i] {
			if _, ok := p.items[name]; !ok {
				added = append(added, name)
			}
		}
		for name := range p.items {
			if _, ok := accumulators[i][name]; !ok {
				gone = append(gone, name)
			}
		}
		sort.Strings(added)
		sort.Strings(gone)
		if len(added) == 0 && len(gone) == 0 {
			continue
		}
		d.log.V(2).Info("host set changed", "pattern", p.re.String(), "added", added, "gone", gone)
		for _, cb := range p.callbacks {
			cb(added, gone)
		}
		for _, name := range added {
			p.items[name] = struct{}{}
		}
		for _, name := range gone {
			delete(p.items, name)
		}
	}

	d.serial = serial
	d.haveSerial = true
}

func (d *Discovery) walkZone(ctx context.Context, visit func(name string)) error {
	transfer := &dns.Transfer{TsigSecret: d.tsig()}
	m := new(dns.Msg)
	m.SetAxfr(d.zone)
	d.sign(m)

	envelopes, err := transfer.In(m, d.addr)
	if err != nil {
		return err
	}
	for envelope := range envelopes {
		if envelope.Error != nil {
			return envelope.Error
		}
		for _, rr := range envelope.RR {
			switch rr.(type) {
			case *dns.A, *dns.AAAA, *dns.CNAME:
				visit(rr.Header().Name)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
