package handlers

import (
	"github.com/cardwatch/cardwatch/internal/compiler"
	"github.com/cardwatch/cardwatch/internal/store"
)

// Package-level dependencies, assigned once at startup (and per test).
var (
	alertStore   *store.Store
	ruleCompiler *compiler.Compiler
)

func Setup(s *store.Store, c *compiler.Compiler) {
	alertStore = s
	ruleCompiler = c
}
