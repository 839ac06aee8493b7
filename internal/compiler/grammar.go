package compiler

import (
	"fmt"
	"strings"
)

// The rule SQL grammar is deliberately tiny: one SELECT producing exactly
// the row (triggered, observed, baseline, detail), one FROM over
// transactions with optional joins to users and credit_cards, scalar
// subqueries for aggregates, and :name bound parameters. The validating
// parser is the enforcement point; the LLM never writes SQL, so nothing
// outside this grammar can reach the executor.

var allowedFunctions = map[string]bool{
	"COALESCE": true,
	"LOWER":    true,
	"UPPER":    true,
	"ABS":      true,
}

var allowedAggregates = map[string]bool{
	"SUM":    true,
	"AVG":    true,
	"MEDIAN": true,
	"COUNT":  true,
	"MIN":    true,
	"MAX":    true,
}

var forbiddenKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"CREATE": true, "ALTER": true, "TRUNCATE": true, "GRANT": true,
	"REVOKE": true, "ATTACH": true, "PRAGMA": true, "UNION": true,
	"INTERSECT": true, "EXCEPT": true, "EXEC": true, "EXECUTE": true,
	"INTO": true, "RETURNING": true,
}

var requiredAliases = []string{"triggered", "observed", "baseline", "detail"}

// SQLInfo is what the parser learned about a statement; static validation
// cross-checks it against the schema metadata and the params schema.
type SQLInfo struct {
	Params     map[string]bool
	Tables     map[string]string // alias -> table
	Aggregates []string

	hasUserScope  bool
	hasOccurredAt bool
}

type GrammarError struct {
	Pos     int
	Message string
}

func (e *GrammarError) Error() string {
	return fmt.Sprintf("sql grammar: %s (near offset %d)", e.Message, e.Pos)
}

// ParseRuleSQL validates sqlText against the restricted grammar using the
// allowed table/column map and returns what it found.
func ParseRuleSQL(sqlText string, schema map[string][]string) (*SQLInfo, error) {
	tokens, err := tokenize(sqlText)
	if err != nil {
		return nil, err
	}

	p := &parser{
		tokens: tokens,
		schema: schema,
		info: &SQLInfo{
			Params: map[string]bool{},
			Tables: map[string]string{},
		},
	}

	if err := p.parseStatement(); err != nil {
		return nil, err
	}

	// Column refs are validated after the full parse because select items
	// may use aliases declared in a later FROM clause.
	for _, ref := range p.pending {
		if err := p.checkColumn(ref.qualifier, ref.column, ref.pos); err != nil {
			return nil, err
		}
	}

	if !p.info.hasUserScope {
		return nil, &GrammarError{Message: "WHERE must constrain user_id = :user_id"}
	}
	if !p.info.hasOccurredAt {
		return nil, &GrammarError{Message: "WHERE must reference the occurred_at window"}
	}

	return p.info, nil
}

// ---- lexer ----

type tokenKind int

const (
	tkEOF tokenKind = iota
	tkIdent
	tkNumber
	tkString
	tkParam
	tkSymbol
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0

	for i < len(input) {
		c := input[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == ';':
			return nil, &GrammarError{Pos: i, Message: "statement separators are not allowed"}

		case c == '-' && i+1 < len(input) && input[i+1] == '-':
			return nil, &GrammarError{Pos: i, Message: "comments are not allowed"}

		case c == '/' && i+1 < len(input) && input[i+1] == '*':
			return nil, &GrammarError{Pos: i, Message: "comments are not allowed"}

		case c == '\'':
			start := i
			i++
			for i < len(input) && input[i] != '\'' {
				i++
			}
			if i >= len(input) {
				return nil, &GrammarError{Pos: start, Message: "unterminated string literal"}
			}
			tokens = append(tokens, token{kind: tkString, text: input[start+1 : i], pos: start})
			i++

		case c == ':':
			start := i
			i++
			for i < len(input) && isIdentChar(input[i]) {
				i++
			}
			if i == start+1 {
				return nil, &GrammarError{Pos: start, Message: "empty parameter name"}
			}
			tokens = append(tokens, token{kind: tkParam, text: strings.ToLower(input[start+1 : i]), pos: start})

		case c >= '0' && c <= '9':
			start := i
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: tkNumber, text: input[start:i], pos: start})

		case isIdentStart(c):
			start := i
			for i < len(input) && isIdentChar(input[i]) {
				i++
			}
			word := input[start:i]
			if forbiddenKeywords[strings.ToUpper(word)] {
				return nil, &GrammarError{Pos: start, Message: fmt.Sprintf("keyword %s is not allowed", strings.ToUpper(word))}
			}
			tokens = append(tokens, token{kind: tkIdent, text: word, pos: start})

		case strings.ContainsRune("()<>=!+-*/,.", rune(c)):
			start := i
			// two-char operators
			if i+1 < len(input) {
				two := input[i : i+2]
				if two == "<=" || two == ">=" || two == "<>" || two == "!=" || two == "==" {
					tokens = append(tokens, token{kind: tkSymbol, text: two, pos: start})
					i += 2
					continue
				}
			}
			tokens = append(tokens, token{kind: tkSymbol, text: string(c), pos: start})
			i++

		default:
			return nil, &GrammarError{Pos: i, Message: fmt.Sprintf("unexpected character %q", c)}
		}
	}

	tokens = append(tokens, token{kind: tkEOF, pos: len(input)})
	return tokens, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// ---- parser ----

type parser struct {
	tokens []token
	pos    int
	schema map[string][]string
	info   *SQLInfo

	// depth 0 is the outer statement; user/occurred_at requirements only
	// count when satisfied in the outer WHERE.
	depth int

	pending []colRef
}

type colRef struct {
	qualifier string
	column    string
	pos       int
}

func (p *parser) cur() token  { return p.tokens[p.pos] }
func (p *parser) next() token { t := p.tokens[p.pos]; p.pos++; return t }

func (p *parser) isKeyword(kw string) bool {
	t := p.cur()
	return t.kind == tkIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return &GrammarError{Pos: p.cur().pos, Message: fmt.Sprintf("expected %s", kw)}
	}
	p.pos++
	return nil
}

func (p *parser) expectSymbol(sym string) error {
	t := p.cur()
	if t.kind != tkSymbol || t.text != sym {
		return &GrammarError{Pos: t.pos, Message: fmt.Sprintf("expected %q", sym)}
	}
	p.pos++
	return nil
}

func (p *parser) parseStatement() error {
	if err := p.expectKeyword("SELECT"); err != nil {
		return err
	}

	for i, alias := range requiredAliases {
		if i > 0 {
			if err := p.expectSymbol(","); err != nil {
				return err
			}
		}
		if err := p.parseExpr(); err != nil {
			return err
		}
		if err := p.expectKeyword("AS"); err != nil {
			return err
		}
		t := p.next()
		if t.kind != tkIdent || !strings.EqualFold(t.text, alias) {
			return &GrammarError{Pos: t.pos, Message: fmt.Sprintf("select item %d must be aliased AS %s", i+1, alias)}
		}
	}

	if err := p.parseFromWhere(true); err != nil {
		return err
	}

	if p.cur().kind != tkEOF {
		return &GrammarError{Pos: p.cur().pos, Message: "trailing input after statement"}
	}

	return nil
}

func (p *parser) parseFromWhere(outer bool) error {
	if err := p.expectKeyword("FROM"); err != nil {
		return err
	}

	if err := p.parseTableRef(outer); err != nil {
		return err
	}

	for p.isKeyword("JOIN") {
		p.pos++
		if err := p.parseJoinTable(); err != nil {
			return err
		}
		if err := p.expectKeyword("ON"); err != nil {
			return err
		}
		if err := p.parseExpr(); err != nil {
			return err
		}
	}

	if err := p.expectKeyword("WHERE"); err != nil {
		return err
	}

	// Only the outer WHERE satisfies the user-scope and occurred_at
	// requirements; references in the select list or join conditions don't.
	if outer {
		p.info.hasUserScope = false
		p.info.hasOccurredAt = false
	}

	return p.parseExpr()
}

func (p *parser) parseTableRef(outer bool) error {
	t := p.next()
	if t.kind != tkIdent {
		return &GrammarError{Pos: t.pos, Message: "expected table name"}
	}

	name := strings.ToLower(t.text)
	if outer && p.depth == 0 && name != "transactions" {
		return &GrammarError{Pos: t.pos, Message: "outer FROM must be transactions"}
	}
	if _, ok := p.schema[name]; !ok {
		return &GrammarError{Pos: t.pos, Message: fmt.Sprintf("table %s is not allowed", name)}
	}

	alias := name
	if p.cur().kind == tkIdent && !p.reservedHere() {
		alias = strings.ToLower(p.next().text)
	}

	p.info.Tables[alias] = name
	return nil
}

func (p *parser) parseJoinTable() error {
	t := p.next()
	if t.kind != tkIdent {
		return &GrammarError{Pos: t.pos, Message: "expected table name after JOIN"}
	}

	name := strings.ToLower(t.text)
	if name != "users" && name != "credit_cards" {
		return &GrammarError{Pos: t.pos, Message: fmt.Sprintf("join to %s is not allowed", name)}
	}

	alias := name
	if p.cur().kind == tkIdent && !p.reservedHere() {
		alias = strings.ToLower(p.next().text)
	}

	p.info.Tables[alias] = name
	return nil
}

// reservedHere reports whether the current identifier is structural rather
// than an alias.
func (p *parser) reservedHere() bool {
	for _, kw := range []string{"JOIN", "ON", "WHERE", "AND", "OR", "AS"} {
		if p.isKeyword(kw) {
			return true
		}
	}
	return false
}

func (p *parser) parseExpr() error {
	if err := p.parseAnd(); err != nil {
		return err
	}
	for p.isKeyword("OR") {
		p.pos++
		if err := p.parseAnd(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseAnd() error {
	if err := p.parseNot(); err != nil {
		return err
	}
	for p.isKeyword("AND") {
		p.pos++
		if err := p.parseNot(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseNot() error {
	if p.isKeyword("NOT") {
		p.pos++
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() error {
	lhs, err := p.parseAdditive()
	if err != nil {
		return err
	}

	// IS [NOT] NULL
	if p.isKeyword("IS") {
		p.pos++
		if p.isKeyword("NOT") {
			p.pos++
		}
		return p.expectKeyword("NULL")
	}

	if p.isKeyword("LIKE") {
		p.pos++
		_, err := p.parseAdditive()
		return err
	}

	if p.isKeyword("BETWEEN") {
		p.pos++
		if _, err := p.parseAdditive(); err != nil {
			return err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return err
		}
		_, err := p.parseAdditive()
		return err
	}

	t := p.cur()
	if t.kind == tkSymbol {
		switch t.text {
		case "=", "==", "<>", "!=", "<", ">", "<=", ">=":
			p.pos++
			rhs, err := p.parseAdditive()
			if err != nil {
				return err
			}
			if p.depth == 0 && (t.text == "=" || t.text == "==") {
				p.noteUserScope(lhs, rhs)
			}
			return nil
		}
	}

	return nil
}

// operand summarises one side of a comparison for the user-scope check.
type operand struct {
	isColumn bool
	column   string
	isParam  bool
	param    string
}

func (p *parser) noteUserScope(lhs, rhs operand) {
	colParam := func(a, b operand) bool {
		return a.isColumn && a.column == "user_id" && b.isParam && b.param == "user_id"
	}
	if colParam(lhs, rhs) || colParam(rhs, lhs) {
		p.info.hasUserScope = true
	}
}

func (p *parser) parseAdditive() (operand, error) {
	op, err := p.parseMultiplicative()
	if err != nil {
		return operand{}, err
	}
	for p.cur().kind == tkSymbol && (p.cur().text == "+" || p.cur().text == "-") {
		p.pos++
		if _, err := p.parseMultiplicative(); err != nil {
			return operand{}, err
		}
		op = operand{}
	}
	return op, nil
}

func (p *parser) parseMultiplicative() (operand, error) {
	op, err := p.parsePrimary()
	if err != nil {
		return operand{}, err
	}
	for p.cur().kind == tkSymbol && (p.cur().text == "*" || p.cur().text == "/") {
		p.pos++
		if _, err := p.parsePrimary(); err != nil {
			return operand{}, err
		}
		op = operand{}
	}
	return op, nil
}

func (p *parser) parsePrimary() (operand, error) {
	t := p.cur()

	switch t.kind {
	case tkNumber, tkString:
		p.pos++
		return operand{}, nil

	case tkParam:
		p.pos++
		p.info.Params[t.text] = true
		return operand{isParam: true, param: t.text}, nil

	case tkSymbol:
		if t.text == "-" {
			p.pos++
			return p.parsePrimary()
		}
		if t.text == "(" {
			p.pos++
			if p.isKeyword("SELECT") {
				if err := p.parseSubquery(); err != nil {
					return operand{}, err
				}
			} else if err := p.parseExpr(); err != nil {
				return operand{}, err
			}
			if err := p.expectSymbol(")"); err != nil {
				return operand{}, err
			}
			return operand{}, nil
		}

	case tkIdent:
		if strings.EqualFold(t.text, "NULL") {
			p.pos++
			return operand{}, nil
		}
		if strings.EqualFold(t.text, "CASE") {
			return operand{}, p.parseCase()
		}

		upper := strings.ToUpper(t.text)
		if allowedFunctions[upper] || allowedAggregates[upper] {
			if p.tokens[p.pos+1].kind == tkSymbol && p.tokens[p.pos+1].text == "(" {
				return operand{}, p.parseFunction(upper)
			}
		}

		return p.parseColumnRef()
	}

	return operand{}, &GrammarError{Pos: t.pos, Message: fmt.Sprintf("unexpected token %q", t.text)}
}

func (p *parser) parseCase() error {
	p.pos++ // CASE
	for p.isKeyword("WHEN") {
		p.pos++
		if err := p.parseExpr(); err != nil {
			return err
		}
		if err := p.expectKeyword("THEN"); err != nil {
			return err
		}
		if err := p.parseExpr(); err != nil {
			return err
		}
	}
	if p.isKeyword("ELSE") {
		p.pos++
		if err := p.parseExpr(); err != nil {
			return err
		}
	}
	return p.expectKeyword("END")
}

func (p *parser) parseFunction(name string) error {
	if allowedAggregates[name] {
		p.info.Aggregates = append(p.info.Aggregates, name)
		if p.depth == 0 {
			return &GrammarError{Pos: p.cur().pos, Message: "aggregates are only allowed inside scalar subqueries"}
		}
	}

	p.pos++ // name
	if err := p.expectSymbol("("); err != nil {
		return err
	}

	// COUNT(*)
	if name == "COUNT" && p.cur().kind == tkSymbol && p.cur().text == "*" {
		p.pos++
		return p.expectSymbol(")")
	}

	for {
		if err := p.parseExpr(); err != nil {
			return err
		}
		if p.cur().kind == tkSymbol && p.cur().text == "," {
			p.pos++
			continue
		}
		break
	}

	return p.expectSymbol(")")
}

func (p *parser) parseSubquery() error {
	p.depth++
	defer func() { p.depth-- }()

	if err := p.expectKeyword("SELECT"); err != nil {
		return err
	}
	if err := p.parseExpr(); err != nil {
		return err
	}

	return p.parseFromWhere(false)
}

func (p *parser) parseColumnRef() (operand, error) {
	t := p.next()
	if t.kind != tkIdent {
		return operand{}, &GrammarError{Pos: t.pos, Message: "expected column reference"}
	}

	first := strings.ToLower(t.text)
	column := first
	qualifier := ""

	if p.cur().kind == tkSymbol && p.cur().text == "." {
		p.pos++
		c := p.next()
		if c.kind != tkIdent {
			return operand{}, &GrammarError{Pos: c.pos, Message: "expected column name after '.'"}
		}
		qualifier = first
		column = strings.ToLower(c.text)
	}

	p.pending = append(p.pending, colRef{qualifier: qualifier, column: column, pos: t.pos})

	if column == "occurred_at" && p.depth == 0 {
		p.info.hasOccurredAt = true
	}

	return operand{isColumn: true, column: column}, nil
}

func (p *parser) checkColumn(qualifier, column string, pos int) error {
	hasColumn := func(table string) bool {
		for _, c := range p.schema[table] {
			if c == column {
				return true
			}
		}
		return false
	}

	if qualifier != "" {
		table, ok := p.info.Tables[qualifier]
		if !ok {
			return &GrammarError{Pos: pos, Message: fmt.Sprintf("unknown table alias %q", qualifier)}
		}
		if !hasColumn(table) {
			return &GrammarError{Pos: pos, Message: fmt.Sprintf("column %s.%s does not exist", table, column)}
		}
		return nil
	}

	for _, table := range p.info.Tables {
		if hasColumn(table) {
			return nil
		}
	}

	return &GrammarError{Pos: pos, Message: fmt.Sprintf("column %q does not exist in any referenced table", column)}
}
