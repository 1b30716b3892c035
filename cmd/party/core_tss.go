//go:build tss

package main

import (
	"go.uber.org/zap"

	"github.com/collider/dkls-engine/internal/dklscore"
)

// newCore builds the real DKLS23 crypto core backed by
// github.com/bnb-chain/tss-lib/v2, selected by the `tss` build tag.
func newCore(logger *zap.Logger) dklscore.Core {
	return dklscore.NewTssCore(logger)
}
