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

package deployment

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/sapcc/vcenter-operator/pkg/templates"
)

var (
	// ErrServiceUserNotFound means a template demands a service user for
	// which no declaration exists. That is an operator misconfiguration
	// and fatal to the whole tick.
	ErrServiceUserNotFound = errors.New("no service user declaration for template")
	// ErrServiceUserPathNotFound means the credential path of a demanded
	// service user is not known yet. The host tick is aborted.
	ErrServiceUserPathNotFound = errors.New("service user path not found in state")
)

// VersionSeen reports whether a workload using the given service user
// version was seen recently. Implemented by the reconciler's tracker.
type VersionSeen interface {
	Seen(service, vcenter, version string) bool
}

// Render renders all templates of the given scope, for example
// "vcenter_cluster", into the state. Per-template render failures are logged
// and skipped, but a service user misconfiguration aborts.
func (s *State) Render(env *templates.Environment, scope string, options map[string]interface{},
	serviceUsers map[string][]string, tracker VersionSeen) error {
	declarations := env.ServiceUsers.Mapping()

	for _, name := range env.ListTemplates(scope + "/") {
		renderOptions := make(map[string]interface{}, len(options))
		for k, v := range options {
			renderOptions[k] = v
		}

		// the injected username, password and version stay local to this
		// template's option copy
		engineOptions := env.Options(name)
		if service, ok := engineOptions["uses-service-user"].(string); ok && service != "" {
			if err := injectServiceUser(renderOptions, service, serviceUsers, tracker, declarations); err != nil {
				return err
			}
		}

		rendered, err := env.Render(name, renderOptions)
		if err != nil {
			s.log.Error(err, "failed to render", "template", name)
			continue
		}
		var owner *templates.OwnerReference
		if ref, ok := env.OwnerReference(name); ok {
			owner = &ref
		}
		if err := s.Add(rendered, owner); err != nil {
			s.log.Error(err, "failed to parse rendered output", "template", name)
		}
	}
	return nil
}

// injectServiceUser resolves the service user version for the template and
// injects secret-injector placeholders instead of real credentials. Picked
// is the newest version a running workload was seen with, so rotation only
// switches once the new secret version is consumable.
func injectServiceUser(options map[string]interface{}, service string,
	serviceUsers map[string][]string, tracker VersionSeen, declarations map[string]templates.ServiceUser) error {
	if _, ok := declarations[service]; !ok {
		return errors.Wrap(ErrServiceUserNotFound, service)
	}

	region, _ := options["region"].(string)
	vcenterName, _ := options["vcenter_name"].(string)
	path := fmt.Sprintf("%s/vcenter-operator/%s/%s", region, service, vcenterName)

	versions := serviceUsers[path]
	if len(versions) == 0 {
		return errors.Wrap(ErrServiceUserPathNotFound, path)
	}
	version := versions[len(versions)-1]
	for i := len(versions) - 1; i >= 0; i-- {
		if tracker.Seen(service, vcenterName, versions[i]) {
			version = versions[i]
			break
		}
	}

	options["service_user_version"] = version
	options["username"] = fmt.Sprintf(
		`{{ resolve "vault+kvv2:///secrets/%s/username?version=%s" }}@vsphere.local`, path, version)
	options["password"] = fmt.Sprintf(
		`{{ resolve "vault+kvv2:///secrets/%s/password?version=%s" }}`, path, version)
	return nil
}
