// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simdevice

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/gomlx/gpuexec/pkg/support/sets"
	"github.com/pkg/errors"
)

// moduleImage is the parsed form of a simulated module.
//
// The textual format has one directive per line:
//
//	# comment
//	.kernel <name>
//	.global <name> <size_in_bytes>
type moduleImage struct {
	kernels sets.Set[string]
	globals []globalDecl
}

type globalDecl struct {
	name string
	size int
}

// parseModule parses the textual module image.
func parseModule(text []byte) (*moduleImage, error) {
	img := &moduleImage{kernels: sets.Make[string]()}
	seenGlobals := sets.Make[string]()
	scanner := bufio.NewScanner(bytes.NewReader(text))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case ".kernel":
			if len(fields) != 2 {
				return nil, errors.Errorf("line %d: .kernel takes exactly one name, got %q", lineNum, line)
			}
			img.kernels.Insert(fields[1])
		case ".global":
			if len(fields) != 3 {
				return nil, errors.Errorf("line %d: .global takes a name and a size, got %q", lineNum, line)
			}
			size, err := strconv.Atoi(fields[2])
			if err != nil || size < 0 {
				return nil, errors.Errorf("line %d: invalid size %q for global %q", lineNum, fields[2], fields[1])
			}
			if seenGlobals.Has(fields[1]) {
				return nil, errors.Errorf("line %d: global %q defined twice", lineNum, fields[1])
			}
			seenGlobals.Insert(fields[1])
			img.globals = append(img.globals, globalDecl{name: fields[1], size: size})
		default:
			return nil, errors.Errorf("line %d: unknown directive %q", lineNum, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read module image")
	}
	return img, nil
}

// loadedModule is a module loaded in an Executor.
type loadedModule struct {
	image   *moduleImage
	globals map[string]device.DeviceMemory
}

// moduleBytes returns the image to parse from the module spec: the simulated "machine code" is
// the text itself, so a non-empty Binary must match the Text.
func moduleBytes(spec device.ModuleSpec) ([]byte, error) {
	switch {
	case len(spec.Binary) == 0:
		return []byte(spec.Text), nil
	case spec.Text == "":
		return spec.Binary, nil
	case !bytes.Equal(spec.Binary, []byte(spec.Text)):
		return nil, errors.Errorf("module binary (%d bytes) was not compiled from the given text (%d bytes)",
			len(spec.Binary), len(spec.Text))
	default:
		return spec.Binary, nil
	}
}
