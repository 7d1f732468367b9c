// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version holds the tool version string recorded in every pack's
// meta/environment.json.
package version

// Version is overridden at link time via -ldflags in release builds; the
// default here is what a source checkout reports.
var Version = "0.0.0-dev"
