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

// Package templates maintains the operator's template environment. Template
// bodies and service user declarations live in custom resources; two polling
// loaders feed them into a pongo2 template set that the deployment engine
// renders per vCenter.
package templates

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/flosch/pongo2/v6"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"

	"github.com/sapcc/vcenter-operator/pkg/mpw"
)

// APIGroup is the group of both operator CRDs.
const APIGroup = "vcenter-operator.stable.sap.cc"

// OwnerReference identifies the custom resource a template came from.
type OwnerReference = metav1.OwnerReference

// ErrTemplateLoading marks any loader failure. A tick that sees it must not
// render, a partial template set would delete resources.
var ErrTemplateLoading = errors.New("failed to load templates")

func init() {
	// the rendered output is YAML, HTML-escaping would corrupt values
	// containing ampersands or quotes
	pongo2.SetAutoescape(false)

	_ = pongo2.RegisterFilter("ini_escape", filterIniEscape)
	_ = pongo2.RegisterFilter("ini_quote", filterIniQuote)
	_ = pongo2.RegisterFilter("quote", filterIniQuote)
	_ = pongo2.RegisterFilter("sha256sum", filterSha256Sum)
	_ = pongo2.RegisterFilter("b64enc", filterB64Enc)
}

func filterIniEscape(in, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	return pongo2.AsValue(iniEscape(in.String())), nil
}

func filterIniQuote(in, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	escaped := strings.ReplaceAll(iniEscape(in.String()), `"`, `\"`)
	return pongo2.AsValue(`"` + escaped + `"`), nil
}

func filterSha256Sum(in, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	sum := sha256.Sum256([]byte(in.String()))
	return pongo2.AsValue(hex.EncodeToString(sum[:])), nil
}

func filterB64Enc(in, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	return pongo2.AsValue(base64.StdEncoding.EncodeToString([]byte(in.String()))), nil
}

func iniEscape(value string) string {
	return strings.ReplaceAll(value, "$", "$$")
}

// Environment bundles the template set with its polling loaders.
type Environment struct {
	Templates    *CRDLoader
	ServiceUsers *ServiceUserLoader

	set *pongo2.TemplateSet
	log logr.Logger
}

// NewEnvironment wires the loaders against the given clients.
func NewEnvironment(dyn dynamic.Interface, ext apiextensionsclient.Interface) *Environment {
	e := &Environment{
		Templates:    newCRDLoader(dyn, ext),
		ServiceUsers: newServiceUserLoader(dyn, ext),
		log:          klog.Background().WithName("templates"),
	}
	e.set = pongo2.NewSet("vcenter-operator", e.Templates)
	e.Templates.set = e.set
	return e
}

// PollLoaders refreshes the template mapping. Service user declarations are
// polled separately because they are gated on a feature flag.
func (e *Environment) PollLoaders(ctx context.Context) error {
	if err := e.Templates.Poll(ctx); err != nil {
		return errors.Wrapf(ErrTemplateLoading, "%v", err)
	}
	return nil
}

// ListTemplates returns the template names under the given scope prefix, for
// example "vcenter_cluster/", in sorted order.
func (e *Environment) ListTemplates(prefix string) []string {
	return e.Templates.list(prefix)
}

// Options returns a copy of the per-template engine options.
func (e *Environment) Options(name string) map[string]interface{} {
	return e.Templates.options(name)
}

// OwnerReference returns the identity of the custom resource that supplied
// the template.
func (e *Environment) OwnerReference(name string) (metav1.OwnerReference, bool) {
	return e.Templates.owner(name)
}

// Render executes the named template with the given options as context. The
// context additionally exposes derive_password, render and context as
// callables.
func (e *Environment) Render(name string, options map[string]interface{}) (string, error) {
	restore := e.applyEngineOptions(e.Templates.options(name))
	defer restore()

	tpl, err := e.set.FromCache(name)
	if err != nil {
		return "", errors.Wrapf(err, "compiling template %s", name)
	}

	ctx := pongo2.Context{}
	for k, v := range options {
		ctx[k] = v
	}
	ctx["derive_password"] = func(args ...*pongo2.Value) *pongo2.Value {
		username, _ := ctx["username"].(string)
		host, _ := ctx["host"].(string)
		if len(args) > 0 && !args[0].IsNil() {
			username = args[0].String()
		}
		if len(args) > 1 && !args[1].IsNil() {
			host = args[1].String()
		}
		master, _ := ctx["master_password"].(string)
		password, err := derivePassword(username, master, host)
		if err != nil {
			e.log.Error(err, "password derivation failed", "template", name)
			return pongo2.AsValue("")
		}
		return pongo2.AsSafeValue(password)
	}
	ctx["render"] = func(args ...*pongo2.Value) *pongo2.Value {
		if len(args) != 1 {
			e.log.Error(nil, "render requires a template name", "template", name)
			return pongo2.AsValue("")
		}
		out, err := e.Render(args[0].String(), options)
		if err != nil {
			e.log.Error(err, "nested render failed", "template", args[0].String())
			return pongo2.AsValue("")
		}
		return pongo2.AsSafeValue(out)
	}
	ctx["context"] = func(args ...*pongo2.Value) *pongo2.Value {
		return pongo2.AsValue(map[string]interface{}(ctx))
	}

	out, err := tpl.Execute(ctx)
	if err != nil {
		return "", errors.Wrapf(err, "rendering template %s", name)
	}
	return out, nil
}

// applyEngineOptions maps the per-template overrides onto the template set
// and returns a restore func. Overrides the engine does not know, such as
// uses-service-user, are left to the deployment engine. Autoescaping is a
// pongo2 package global, so it is toggled around the render and restored to
// off afterwards.
func (e *Environment) applyEngineOptions(options map[string]interface{}) func() {
	saved := *e.set.Options
	if v, ok := options["trim_blocks"].(bool); ok {
		e.set.Options.TrimBlocks = v
	}
	if v, ok := options["lstrip_blocks"].(bool); ok {
		e.set.Options.LStripBlocks = v
	}
	autoescaped := false
	if v, ok := options["autoescape"].(bool); ok && v {
		pongo2.SetAutoescape(true)
		autoescaped = true
	}
	return func() {
		*e.set.Options = saved
		if autoescaped {
			pongo2.SetAutoescape(false)
		}
	}
}

func derivePassword(username, master, host string) (string, error) {
	m, err := mpw.New(username, master)
	if err != nil {
		return "", err
	}
	return m.Derive("long", host)
}
