package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexBasicTokens(t *testing.T) {
	toks, err := lex(`server { listen 4269; root "./www/"; }`)
	require.NoError(t, err)

	require.Len(t, toks, 9)
	assert.Equal(t, LEVEL, toks[0].Type)
	assert.Equal(t, "server", toks[0].Value)
	assert.Equal(t, SYMBOL, toks[1].Type)
	assert.Equal(t, "{", toks[1].Value)
	assert.Equal(t, ATTRIBUTE, toks[2].Type)
	assert.Equal(t, "listen", toks[2].Value)
	assert.Equal(t, NUMBER, toks[3].Type)
	assert.Equal(t, "4269", toks[3].Value)
	assert.Equal(t, SYMBOL, toks[4].Type)
	assert.Equal(t, ATTRIBUTE, toks[5].Type)
	assert.Equal(t, "root", toks[5].Value)
	assert.True(t, toks[6].Quoted)
	assert.Equal(t, "./www/", toks[6].Value)
}

func TestLexLineComment(t *testing.T) {
	toks, err := lex("root /a/; # a trailing comment\nindex b.html;")
	require.NoError(t, err)

	var values []string
	for _, tok := range toks {
		values = append(values, tok.Value)
	}
	assert.Equal(t, []string{"root", "/a/", ";", "index", "b.html", ";"}, values)
}

func TestLexQuotedStringPreservesContent(t *testing.T) {
	toks, err := lex(`server_name "weird name with spaces";`)
	require.NoError(t, err)
	require.Len(t, toks, 3)
	assert.Equal(t, STRING, toks[1].Type)
	assert.True(t, toks[1].Quoted)
	assert.Equal(t, "weird name with spaces", toks[1].Value)
}

func TestLexUnclosedQuoteFails(t *testing.T) {
	_, err := lex(`root "unterminated;`)
	assert.Error(t, err)
}

func TestLexInvalidCharacterInUnquotedWord(t *testing.T) {
	_, err := lex("root a,b;")
	assert.Error(t, err)
}

func TestLexLevelAndKeywordClassification(t *testing.T) {
	toks, err := lex("http { server { autoindex on; } }")
	require.NoError(t, err)

	assert.Equal(t, LEVEL, toks[0].Type)
	assert.Equal(t, LEVEL, toks[2].Type)

	var onTok Token
	for _, tok := range toks {
		if tok.Value == "on" {
			onTok = tok
		}
	}
	assert.Equal(t, STRING, onTok.Type)
}

func TestLexSymbolOnlyBraceAndSemicolon(t *testing.T) {
	toks, err := lex("{};")
	require.NoError(t, err)
	require.Len(t, toks, 3)
	for _, tok := range toks {
		assert.Equal(t, SYMBOL, tok.Type)
	}
}

func TestIsAllDigits(t *testing.T) {
	assert.True(t, isAllDigits("4269"))
	assert.False(t, isAllDigits(""))
	assert.False(t, isAllDigits("42a"))
}
