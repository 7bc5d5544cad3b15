package loader

// kindSchemas 是各策略类型 params 的 JSON Schema，字符串数字在校验前会被转换。
var kindSchemas = map[string]string{
	"golden_cross": `{
  "type": "object",
  "properties": {
    "fast": {"enum": [10, 20, 25, 50, 200]},
    "slow": {"enum": [10, 20, 25, 50, 200]}
  },
  "additionalProperties": false
}`,
	"rsi_dip": `{
  "type": "object",
  "properties": {
    "dip": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 100},
    "peak": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 100}
  },
  "additionalProperties": false
}`,
	"macd_crossover": `{
  "type": "object",
  "properties": {
    "min_gap": {"type": "number", "minimum": 0, "exclusiveMaximum": 0.1}
  },
  "additionalProperties": false
}`,
	"bollinger_breakout": `{
  "type": "object",
  "properties": {
    "buffer": {"type": "number", "minimum": 0, "exclusiveMaximum": 0.1}
  },
  "additionalProperties": false
}`,
	"awesome_oscillator": `{
  "type": "object",
  "properties": {
    "min_gap": {"type": "number", "minimum": 0, "exclusiveMaximum": 0.1}
  },
  "additionalProperties": false
}`,
	"ichimoku_cloud": `{
  "type": "object",
  "properties": {
    "buffer": {"type": "number", "minimum": 0, "exclusiveMaximum": 0.1}
  },
  "additionalProperties": false
}`,
}
