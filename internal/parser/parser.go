package parser

import "gridkv/internal/common"

type Parser interface {
	Parse(data []byte) (*common.Command, error)
}

// ParseCondition compiles a WHERE condition into a key/value filter.
func ParseCondition(input string) (func(string, []byte) bool, error) {
	return NewConditionParser(input).ParseExpression()
}
