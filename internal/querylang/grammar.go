package querylang

import (
	"github.com/alecthomas/participle"
	"github.com/alecthomas/participle/lexer"
)

var (
	queryLexer = lexer.Must(lexer.Regexp(
		`(\s+)`+
			`|(?P<String>"(?:[^"\\]|\\.)*")`+
			`|(?P<Number>[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)`+
			`|(?P<Ident>[a-zA-Z_$][a-zA-Z0-9_$\-]*(?:\.[a-zA-Z0-9_$\-]+)*)`+
			`|(?P<Operator>==|!=|>=|<=|[<>()\[\],])`,
	))

	queryParser = participle.MustBuild(
		&queryGrammar{},
		participle.Lexer(queryLexer),
		participle.Unquote("String"),
		participle.UseLookahead(2),
	)
)

type queryGrammar struct {
	Or []*andTerm `@@ { ( "or" | "OR" ) @@ }`
}

type andTerm struct {
	And []*unaryTerm `@@ { ( "and" | "AND" ) @@ }`
}

type unaryTerm struct {
	Not        *queryGrammar `  "not" "(" @@ ")"`
	NotBracket *queryGrammar `| "NOT" "[" @@ "]"`
	Group      *queryGrammar `| "(" @@ ")"`
	Compare    *comparison   `| @@`
}

type comparison struct {
	Field string     `@Ident`
	Op    string     `( @( "==" | "!=" | ">=" | "<=" | ">" | "<" )`
	Value *literal   `  @@`
	In    *listValue `| "in" @@ )`
}

type literal struct {
	String *string    `  @String`
	Number *string    `| @Number`
	Bool   *string    `| @( "true" | "false" )`
	Call   *call      `| @@`
	List   *listValue `| @@`
}

type call struct {
	Name string     `@Ident "("`
	Args []*literal `[ @@ { "," @@ } ] ")"`
}

type listValue struct {
	Open  bool       `@"["`
	Items []*literal `[ @@ { "," @@ } ] "]"`
}
