//go:build !tss

package main

import (
	"go.uber.org/zap"

	"github.com/collider/dkls-engine/internal/dklscore"
)

// newCore builds the default, in-process crypto core used when the
// `tss` build tag is absent (spec.md §1 treats the DKLS23 core itself
// as an external collaborator; this build simulates it for local
// development and testing).
func newCore(logger *zap.Logger) dklscore.Core {
	return dklscore.NewSimulatedCore(logger)
}
