package model

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkillHash(t *testing.T) {
	t.Run("matches the canonical concatenation", func(t *testing.T) {
		sum := sha256.Sum256([]byte("title\x1fbody\x1fa\x1fb"))
		require.Equal(t, hex.EncodeToString(sum[:]), SkillHash("title", "body", []string{"a", "b"}))
	})

	t.Run("tag order matters", func(t *testing.T) {
		assert.NotEqual(t,
			SkillHash("t", "b", []string{"x", "y"}),
			SkillHash("t", "b", []string{"y", "x"}))
	})

	t.Run("field boundaries are unambiguous", func(t *testing.T) {
		assert.NotEqual(t, SkillHash("ab", "c", nil), SkillHash("a", "bc", nil))
	})

	t.Run("identical content from two authors hashes identically", func(t *testing.T) {
		require.Equal(t, SkillHash("t", "b", []string{"x"}), SkillHash("t", "b", []string{"x"}))
	})
}

func TestSkillSigningInput(t *testing.T) {
	sk := Skill{Hash: "abc", Author: "alice", ParentHash: "def"}
	require.Equal(t, []byte("abcalicedef"), sk.SigningInput())

	orphan := Skill{Hash: "abc", Author: "alice"}
	require.Equal(t, []byte("abcalice"), orphan.SigningInput())
}

func TestParseMemoryKind(t *testing.T) {
	assert.Equal(t, KindDecision, ParseMemoryKind("Decision"))
	assert.Equal(t, KindImplementation, ParseMemoryKind("IMPLEMENTATION"))
	assert.Equal(t, KindContext, ParseMemoryKind(" context "))
	assert.Equal(t, KindSkill, ParseMemoryKind("skill"))
	assert.Equal(t, KindStatus, ParseMemoryKind("status"))
	assert.Equal(t, KindOther, ParseMemoryKind("other"))
	assert.Equal(t, KindOther, ParseMemoryKind("whatever"))
	assert.Equal(t, KindOther, ParseMemoryKind(""))
}

func TestMemoryMatchesQuery(t *testing.T) {
	m := Memory{Content: "Deploy uses Blue/Green", Tags: []string{"infra", "deploy"}}
	assert.True(t, m.MatchesQuery("blue/green"))
	assert.True(t, m.MatchesQuery("INFRA"))
	assert.True(t, m.MatchesQuery(""))
	assert.False(t, m.MatchesQuery("database"))
}

func TestPolicyWhitelist(t *testing.T) {
	empty := IdentityPolicy{}
	assert.True(t, empty.Whitelisted("anyone"))

	p := IdentityPolicy{Whitelist: []string{"ssh:key-a"}}
	assert.True(t, p.Whitelisted("ssh:key-a"))
	assert.False(t, p.Whitelisted("ssh:key-b"))

	p2 := p.WithIdentity("ssh:key-b")
	assert.True(t, p2.Whitelisted("ssh:key-b"))
	assert.Len(t, p.WithIdentity("ssh:key-a").Whitelist, 1)
}
