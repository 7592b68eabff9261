package utils

import (
	gonanoid "github.com/matoous/go-nanoid"
)

const textAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// RandText returns n URL-safe random characters.
func RandText(n int) string {
	s, err := gonanoid.Generate(textAlphabet, n)
	if err != nil {
		panic(err)
	}
	return s
}

// RandToken is RandText with the error surfaced, for call sites that issue credentials.
func RandToken(n int) (string, error) {
	return gonanoid.Generate(textAlphabet, n)
}
