package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitAccounts(t *testing.T) {
	assert.Equal(t, []string{"acc-1", "acc-2"}, splitAccounts(" acc-1, acc-2 ,acc-1,,"))
	assert.Empty(t, splitAccounts(""))
}
