package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakTokenScoreThreshold = 3

// tokenContextWords are guessable from the deployment itself.
var tokenContextWords = []string{"calcd", "policyengine", "admin", "token"}

// IsWeakToken reports whether token scores below the zxcvbn threshold.
// An empty token turns auth off and is not weak.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	return zxcvbn.PasswordStrength(token, tokenContextWords).Score < weakTokenScoreThreshold
}
