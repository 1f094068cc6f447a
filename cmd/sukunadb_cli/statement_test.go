package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParseInsert parses a well-formed insert statement.
func TestParseInsert(t *testing.T) {
	stmt, err := parseStatement("insert 1 gojo gojo@example.com")
	require.NoError(t, err)
	require.Equal(t, stmtInsert, stmt.kind)
	require.Equal(t, Row{ID: 1, Username: "gojo", Email: "gojo@example.com"}, stmt.row)
}

// TestParseSelectAndDelete covers the remaining statements.
func TestParseSelectAndDelete(t *testing.T) {
	stmt, err := parseStatement("select")
	require.NoError(t, err)
	require.Equal(t, stmtSelect, stmt.kind)

	stmt, err = parseStatement("delete 42")
	require.NoError(t, err)
	require.Equal(t, stmtDelete, stmt.kind)
	require.Equal(t, uint64(42), stmt.key)

	stmt, err = parseStatement("exit")
	require.NoError(t, err)
	require.Equal(t, stmtExit, stmt.kind)
}

// TestParseSyntaxErrors: unknown verbs, wrong arity and negative ids
// are all syntax errors owned by the CLI.
func TestParseSyntaxErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"frobnicate",
		"insert 1 gojo",
		"insert -5 gojo gojo@example.com",
		"delete",
		"delete notanumber",
		"select extra",
	} {
		_, err := parseStatement(line)
		require.ErrorIs(t, err, errSyntax, "line %q", line)
	}
}
