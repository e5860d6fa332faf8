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

package config

import (
	"strings"
	"testing"

	. "github.com/onsi/gomega"
)

func TestRegionFromCluster(t *testing.T) {
	g := NewWithT(t)

	region, err := RegionFromCluster("kubectl-sync:1234:qa-de-2:1.25.6")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(region).To(Equal("qa-de-2"))

	region, err = RegionFromCluster("s-eu-nl-1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(region).To(Equal("eu-nl-1"))

	_, err = RegionFromCluster("minikube")
	g.Expect(err).To(HaveOccurred())
}

func TestSearchDomain(t *testing.T) {
	g := NewWithT(t)

	resolv := `nameserver 198.18.128.2
search monsoon3.svc.kubernetes svc.kubernetes cc.qa-de-1.cloud.sap
options ndots:5
`
	domain, err := SearchDomain(strings.NewReader(resolv))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(domain).To(Equal("cc.qa-de-1.cloud.sap"))

	_, err = SearchDomain(strings.NewReader("nameserver 198.18.128.2\n"))
	g.Expect(err).To(HaveOccurred())
}
