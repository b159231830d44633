// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"log/slog"

	"github.com/AleutianAI/AleutianMesh/services/mesh/dispatch"
)

// Register installs the full tool catalog into the registry.
func Register(reg *dispatch.Registry, b *Bridge) error {
	if b.Logger == nil {
		b.Logger = slog.Default()
	}

	var catalog []*dispatch.Tool
	catalog = append(catalog, graphTools(b, reg)...)
	catalog = append(catalog, semanticTools(b)...)
	catalog = append(catalog, testTools(b)...)
	catalog = append(catalog, progressTools(b)...)
	catalog = append(catalog, memoryTools(b)...)
	catalog = append(catalog, coordinationTools(b)...)
	catalog = append(catalog, docsTools(b)...)
	return reg.Register(catalog...)
}
