package strategy

import _ "embed"

// SeedVersion is the lineage number the embedded baseline registers under.
const SeedVersion = 1

// SeedDescription labels version 1 in strategy_versions.
const SeedDescription = "baseline EMA(20/50) crossover with RSI filter"

//go:embed seed.js
var SeedCode string
