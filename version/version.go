// Package version provides default versions, user-agents etc. for client identification.
package version

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
)

var (
	// This should be updated when client behaviour changes in a way that trackers or web servers
	// could care about.
	DefaultHttpUserAgent string
	DefaultUpnpId        string
)

func init() {
	const (
		longNamespace   = "undertow-bt"
		longPackageName = "undertow"
	)
	type Newtype struct{}
	var newtype Newtype
	thisPkg := reflect.TypeOf(newtype).PkgPath()
	var (
		mainPath    = "unknown"
		mainVersion = "unknown"
		coreVersion = "unknown"
	)
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		mainPath = buildInfo.Main.Path
		mainVersion = buildInfo.Main.Version
		thisModule := ""
		// Note that if the main module is the same as this module, we get a version of "(devel)".
		for _, dep := range append(buildInfo.Deps, &buildInfo.Main) {
			if strings.HasPrefix(thisPkg, dep.Path) && len(dep.Path) >= len(thisModule) {
				thisModule = dep.Path
				coreVersion = dep.Version
			}
		}
	}
	DefaultUpnpId = fmt.Sprintf("%v %v", mainPath, mainVersion)
	// Per https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/User-Agent#library_and_net_tool_ua_strings
	DefaultHttpUserAgent = fmt.Sprintf(
		"%v-%v/%v",
		longNamespace,
		longPackageName,
		coreVersion,
	)
}
