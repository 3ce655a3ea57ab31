package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestSignAndVerify(t *testing.T) {
	j := NewJWT("test-secret")
	want := Identity{UserID: uuid.New(), Email: "owner@example.com"}

	token, err := j.Sign(want, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	got, err := j.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestVerifyRejects(t *testing.T) {
	j := NewJWT("test-secret")
	id := Identity{UserID: uuid.New()}

	expired, _ := j.Sign(id, -time.Minute)
	otherKey, _ := NewJWT("other").Sign(id, time.Hour)
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": id.UserID.String()}).SignedString([]byte("test-secret"))
	badSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "42",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": id.UserID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))

	for name, token := range map[string]string{
		"expired":      expired,
		"wrong key":    otherKey,
		"no expiry":    noExp,
		"non-uuid sub": badSub,
		"wrong alg":    hs512,
		"garbage":      "not.a.token",
	} {
		if _, err := j.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}
