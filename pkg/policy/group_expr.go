// Copyright 2023 The Sigstore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package policy

import (
	"fmt"
	"strings"
	"text/scanner"
	"unicode"
)

// EvaluateExpression evaluates a small boolean expression over the named
// members of a policy group, substituting each identifier with its
// admit/deny result. Supported grammar:
//
//	expr    := or
//	or      := and ("||" and)*
//	and     := not ("&&" not)*
//	not     := "!" not | primary
//	primary := "true" | "false" | ident | ident "()" | "(" or ")"
//
// The ident "()" form is call syntax with no arguments: Kubewarden policy
// group expressions write member references as `member_name()` (see
// spec.md §8 scenario 6's `pod_privileged() && true`), so a trailing empty
// parameter list is accepted and ignored. An ident starts with a letter or
// '_' and may go on with letters, digits, '_' and '-', so hyphenated member
// names such as `pod-privileged` are single identifiers. No other operators, precedence
// groups, or literal tokens exist; this is not a general-purpose expression
// language.
func EvaluateExpression(expr string, results map[string]bool) (bool, error) {
	p := &exprParser{results: results}
	p.s.Init(strings.NewReader(expr))
	p.s.Mode = scanner.ScanIdents
	p.s.IsIdentRune = func(ch rune, i int) bool {
		return ch == '_' || unicode.IsLetter(ch) || (unicode.IsDigit(ch) || ch == '-') && i > 0
	}
	p.s.Whitespace = 1<<'\t' | 1<<'\n' | 1<<'\r' | 1<<' '
	p.next()
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.tok != scanner.EOF {
		return false, fmt.Errorf("policy group expression: unexpected trailing input near %q", p.text())
	}
	return v, nil
}

type exprParser struct {
	s       scanner.Scanner
	tok     rune
	results map[string]bool
}

func (p *exprParser) next() {
	p.tok = p.s.Scan()
}

func (p *exprParser) text() string {
	return p.s.TokenText()
}

// isOp reports whether the current token's text equals op. The
// two-character operators "&&" and "||" are consumed by expectDouble, since
// text/scanner reports each of their runes as a separate token.
func (p *exprParser) isOp(op string) bool {
	return p.text() == op
}

func (p *exprParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.tok == '|' {
		if err := p.expectDouble('|'); err != nil {
			return false, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *exprParser) parseAnd() (bool, error) {
	left, err := p.parseNot()
	if err != nil {
		return false, err
	}
	for p.tok == '&' {
		if err := p.expectDouble('&'); err != nil {
			return false, err
		}
		right, err := p.parseNot()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *exprParser) parseNot() (bool, error) {
	if p.tok == '!' {
		p.next()
		v, err := p.parseNot()
		if err != nil {
			return false, err
		}
		return !v, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (bool, error) {
	switch p.tok {
	case '(':
		p.next()
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if p.tok != ')' {
			return false, fmt.Errorf("policy group expression: expected ')'")
		}
		p.next()
		return v, nil
	case scanner.Ident:
		name := p.text()
		p.next()
		if name == "true" {
			return true, nil
		}
		if name == "false" {
			return false, nil
		}
		if p.tok == '(' {
			p.next()
			if p.tok != ')' {
				return false, fmt.Errorf("policy group expression: member calls take no arguments, near %q", p.text())
			}
			p.next()
		}
		v, ok := p.results[name]
		if !ok {
			return false, fmt.Errorf("policy group expression: unknown member %q", name)
		}
		return v, nil
	default:
		return false, fmt.Errorf("policy group expression: unexpected token %q", p.text())
	}
}

// expectDouble consumes two consecutive runes equal to r (the "&&" / "||"
// operators), which text/scanner otherwise reports as two single-rune
// tokens.
func (p *exprParser) expectDouble(r rune) error {
	if p.tok != r {
		return fmt.Errorf("policy group expression: expected %q", r)
	}
	p.next()
	if p.tok != r {
		return fmt.Errorf("policy group expression: single %q is not a valid operator", r)
	}
	p.next()
	return nil
}
