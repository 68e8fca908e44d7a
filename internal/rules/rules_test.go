package rules

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func decPtr(v float64) *decimal.Decimal {
	d := dec(v)
	return &d
}

func TestEvaluateGreaterThan(t *testing.T) {
	rule := Rule{ID: "r1", Symbol: "XYZ", Condition: GreaterThan, Threshold: dec(100), Enabled: true}

	if !Evaluate(rule, nil, dec(101)) {
		t.Fatal("101 > 100 应触发")
	}
	if Evaluate(rule, nil, dec(100)) {
		t.Fatal("等于阈值不应触发")
	}
	if Evaluate(rule, nil, dec(99)) {
		t.Fatal("99 > 100 不应触发")
	}
}

func TestEvaluateLessThan(t *testing.T) {
	rule := Rule{ID: "r1", Symbol: "XYZ", Condition: LessThan, Threshold: dec(100)}

	if !Evaluate(rule, nil, dec(99)) {
		t.Fatal("99 < 100 应触发")
	}
	if Evaluate(rule, nil, dec(100)) {
		t.Fatal("等于阈值不应触发")
	}
}

func TestEvaluateCrossesAbove(t *testing.T) {
	rule := Rule{ID: "r1", Symbol: "XYZ", Condition: CrossesAbove, Threshold: dec(100)}

	if !Evaluate(rule, decPtr(95), dec(101)) {
		t.Fatal("95 -> 101 穿越 100 应触发")
	}
	if Evaluate(rule, decPtr(98), dec(99)) {
		t.Fatal("98 -> 99 未穿越不应触发")
	}
	if Evaluate(rule, decPtr(101), dec(102)) {
		t.Fatal("已在阈值上方继续上涨不应触发")
	}
	if !Evaluate(rule, decPtr(100), dec(101)) {
		t.Fatal("从等于阈值向上穿越应触发")
	}
}

func TestEvaluateCrossesBelow(t *testing.T) {
	rule := Rule{ID: "r1", Symbol: "XYZ", Condition: CrossesBelow, Threshold: dec(100)}

	if !Evaluate(rule, decPtr(105), dec(99)) {
		t.Fatal("105 -> 99 下穿 100 应触发")
	}
	if Evaluate(rule, decPtr(99), dec(98)) {
		t.Fatal("已在阈值下方继续下跌不应触发")
	}
}

func TestEvaluateCrossingNeedsPrevious(t *testing.T) {
	above := Rule{ID: "r1", Symbol: "XYZ", Condition: CrossesAbove, Threshold: dec(100)}
	below := Rule{ID: "r2", Symbol: "XYZ", Condition: CrossesBelow, Threshold: dec(100)}

	if Evaluate(above, nil, dec(101)) {
		t.Fatal("无前值时 crosses_above 不应在首个 tick 触发")
	}
	if Evaluate(below, nil, dec(99)) {
		t.Fatal("无前值时 crosses_below 不应在首个 tick 触发")
	}
}

func TestRuleValidate(t *testing.T) {
	valid := Rule{ID: "r1", Symbol: "XYZ", Condition: GreaterThan, Threshold: dec(1)}
	if err := valid.Validate(); err != nil {
		t.Fatalf("合法规则不应报错: %v", err)
	}

	cases := []Rule{
		{Symbol: "XYZ", Condition: GreaterThan},
		{ID: "r1", Condition: GreaterThan},
		{ID: "r1", Symbol: "XYZ", Condition: Condition("between")},
	}
	for i, rule := range cases {
		if err := rule.Validate(); err == nil {
			t.Fatalf("用例 %d 应校验失败", i)
		}
	}
}
