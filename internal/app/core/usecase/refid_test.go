package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerhoeff(t *testing.T) {
	assert.Equal(t, 3, VerhoeffDigit("236"))
	assert.Equal(t, 5, VerhoeffDigit("1"))
	assert.True(t, VerhoeffValid("2363"))
	assert.False(t, VerhoeffValid("2364"))
	// 相鄰數字對調可以被檢查出來
	assert.False(t, VerhoeffValid("3263"))
}

func TestReferenceID(t *testing.T) {
	assert.Equal(t, "RP262363", ReferenceID(false, "2026", 236))
	assert.Equal(t, "RS2615", ReferenceID(true, "2026", 1))

	id := ReferenceID(false, "2026", 98765)
	assert.True(t, VerhoeffValid(id[4:]))
}
