// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package analyzer

import (
	"path"
	"path/filepath"
	"strings"
)

// builtinNoisePaths are the fixed path/pattern families the noise
// filter suppresses, applied to activity, timeline, and the
// missing-file rule.
var builtinNoisePaths = []string{
	"/proc/self/*",
	"/proc/thread-self/*",
	"*.so",
	"*.so.*",
	"ld.so.cache",
	"ld.so.preload",
	"glibc-hwcaps/*",
	"locale-archive",
	"gconv-modules",
	"nsswitch.conf",
	"libnss_*",
	"/dev/null",
	"/dev/urandom",
	"__pycache__",
	"*.pyc",
	"site-packages",
	"METADATA",
	"*.cfg",
	"*.conf",
}

// NoiseFilter decides whether a file path should be suppressed from
// human-facing activity views. Extra patterns (from config) are checked
// in addition to the built-ins, so adding entries can only ever shrink
// what's shown, never grow it.
type NoiseFilter struct {
	patterns []string
}

// NewNoiseFilter builds a filter from the built-in set plus any extra
// glob patterns the caller supplies.
func NewNoiseFilter(extra []string) *NoiseFilter {
	all := make([]string, 0, len(builtinNoisePaths)+len(extra))
	all = append(all, builtinNoisePaths...)
	all = append(all, extra...)
	return &NoiseFilter{patterns: all}
}

// Match reports whether p should be suppressed.
func (n *NoiseFilter) Match(p string) bool {
	base := path.Base(filepath.ToSlash(p))
	for _, pat := range n.patterns {
		if strings.Contains(pat, "/") {
			if ok, _ := path.Match(pat, filepath.ToSlash(p)); ok {
				return true
			}
			if strings.HasSuffix(pat, "/*") && strings.HasPrefix(p, strings.TrimSuffix(pat, "*")) {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// IsPathSearchProbe reports whether an ENOENT on execName looks like a
// PATH-search probe: an ENOENT against an executable basename tried
// against each directory of PATH. Analyze calls this with the PATH
// directories derived from the traced process's own file-open attempts
// (every directory it tried opening the same basename against), since
// Run.EnvFP stores only a hash of the environment and not the raw PATH.
func IsPathSearchProbe(p string, pathDirs []string) bool {
	dir := filepath.Dir(p)
	for _, d := range pathDirs {
		if d == dir {
			return true
		}
	}
	return false
}

// afNetlinkProto is the protoName encoding for AF_NETLINK (16) sockets
// produced by pkg/syscalldecode.
const afNetlinkProto = "family:16"

// MatchNet reports whether a network event should be suppressed from
// human-facing activity views: nscd's unix control socket and netlink
// sockets (route/uevent chatter nearly every glibc process opens).
func (n *NoiseFilter) MatchNet(proto, dst string) bool {
	if proto == afNetlinkProto {
		return true
	}
	if proto == "unix" && strings.Contains(dst, "nscd") {
		return true
	}
	return false
}
