// Package plugin is the plugin lifecycle loader.
//
// One Manager runs per execution context. It orders plugins by dependency,
// decides start or stop from each plugin's effective config, drives the
// hooks through a Controller and keeps the registry of loaded plugins.
//
// The public definition types live in pkg/plugin and are re-exported here so
// internal code only imports this package.
package plugin

import (
	pkgplugin "github.com/goatkit/peard/pkg/plugin"
)

type (
	Kind        = pkgplugin.Kind
	Config      = pkgplugin.Config
	Definition  = pkgplugin.Definition
	Catalog     = pkgplugin.Catalog
	Provider    = pkgplugin.Provider
	Manifest    = pkgplugin.Manifest
	Op          = pkgplugin.Op
	Error       = pkgplugin.Error
	HostContext = pkgplugin.HostContext
	UIContext   = pkgplugin.UIContext
	HostIPC     = pkgplugin.HostIPC
	UIIPC       = pkgplugin.UIIPC
	Window      = pkgplugin.Window
	Listener    = pkgplugin.Listener
	HandlerFunc = pkgplugin.HandlerFunc

	HostLifecycle = pkgplugin.Lifecycle[pkgplugin.HostContext]
	UILifecycle   = pkgplugin.Lifecycle[pkgplugin.UIContext]
	HostBundle    = pkgplugin.Bundle[pkgplugin.HostContext]
	UIBundle      = pkgplugin.Bundle[pkgplugin.UIContext]
)

const (
	KindHost = pkgplugin.KindHost
	KindUI   = pkgplugin.KindUI

	OpStart        = pkgplugin.OpStart
	OpStop         = pkgplugin.OpStop
	OpConfigChange = pkgplugin.OpConfigChange
)

var (
	ErrDeclined = pkgplugin.ErrDeclined
	NewCatalog  = pkgplugin.NewCatalog
	MustCatalog = pkgplugin.MustCatalog
	Static      = pkgplugin.Static
	Combine     = pkgplugin.Combine
)
