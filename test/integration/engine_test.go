// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

//go:build integration

package integration

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/authkeep/authkeep/internal/auth"
)

var accountSeq int

// newAccount stores a fresh account with password on file.
func newAccount(password string) *auth.Account {
	accountSeq++
	name := fmt.Sprintf("user%d-%s", accountSeq, ulid.Make().String()[20:])
	acct, err := auth.NewAccount(name, name+"@example.com", env.clock.Now())
	Expect(err).NotTo(HaveOccurred())
	Expect(env.app.Accounts.Create(env.ctx, acct)).To(Succeed())
	_, err = env.app.Passwords.Save(env.ctx, acct.ID, password)
	Expect(err).NotTo(HaveOccurred())
	return acct
}

func signIn(acct *auth.Account, password string, remember bool) *auth.SignInResult {
	res, err := env.app.SignIn.SignIn(env.ctx, auth.SignInRequest{
		UserID:     acct.ID,
		Password:   password,
		RememberMe: remember,
		Client:     auth.RequestContext{IPAddress: "203.0.113.7", UserAgent: "integration"},
	})
	Expect(err).NotTo(HaveOccurred())
	return res
}

var _ = Describe("Email verification", func() {
	It("verifies the address with the delivered token exactly once", func() {
		acct := newAccount("correct horse battery staple")

		_, err := env.app.Verifications.Request(env.ctx, acct.ID, acct.Email, auth.VerificationEmail)
		Expect(err).NotTo(HaveOccurred())

		notices := env.notifier.Notices()
		Expect(notices).NotTo(BeEmpty())
		notice := notices[len(notices)-1]
		Expect(notice.UserID).To(Equal(acct.ID))
		Expect(notice.Kind).To(Equal(auth.VerificationEmail))

		outcome, err := env.app.Verifications.VerifyAndConsume(env.ctx, acct.ID, acct.Email,
			auth.VerificationEmail, notice.Token, notice.Pepper)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(auth.VerificationVerified))

		stored, err := env.app.Accounts.GetByID(env.ctx, acct.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status.EmailUnverified).To(BeFalse())

		outcome, err = env.app.Verifications.VerifyAndConsume(env.ctx, acct.ID, acct.Email,
			auth.VerificationEmail, notice.Token, notice.Pepper)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).NotTo(Equal(auth.VerificationVerified))
	})

	It("rejects a token presented with the wrong pepper", func() {
		acct := newAccount("correct horse battery staple")
		tok, err := env.app.Verifications.Generate(env.ctx, acct.ID, acct.Email, auth.VerificationPasswordReset)
		Expect(err).NotTo(HaveOccurred())

		outcome, err := env.app.Verifications.VerifyAndConsume(env.ctx, acct.ID, acct.Email,
			auth.VerificationPasswordReset, tok.Token, "wrong-pepper")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(auth.VerificationNotVerified))
	})
})

var _ = Describe("Sign-in", func() {
	It("authenticates and issues a session token the issuer accepts", func() {
		acct := newAccount("s3cret-passphrase")

		res := signIn(acct, "s3cret-passphrase", false)
		Expect(res.Outcome).To(Equal(auth.Authenticated))
		Expect(res.SessionToken).NotTo(BeEmpty())
		Expect(res.PersistentToken).To(BeNil())

		claims, err := env.app.Sessions.Parse(res.SessionToken)
		Expect(err).NotTo(HaveOccurred())
		Expect(claims.Subject).To(Equal(acct.ID.String()))
		Expect(claims.Username).To(Equal(acct.Username))
	})

	It("records every decision in the event log", func() {
		acct := newAccount("s3cret-passphrase")
		signIn(acct, "wrong", false)
		signIn(acct, "s3cret-passphrase", false)

		events, err := env.app.Events.ListByAccount(env.ctx, acct.ID, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		outcomes := []auth.SignInOutcome{events[0].Outcome, events[1].Outcome}
		Expect(outcomes).To(ConsistOf(auth.NotAuthenticated, auth.Authenticated))
	})

	It("locks the account out after too many attempts", func() {
		acct := newAccount("s3cret-passphrase")
		for range maxAttempts {
			Expect(signIn(acct, "wrong", false).Outcome).To(Equal(auth.NotAuthenticated))
		}
		res := signIn(acct, "s3cret-passphrase", false)
		Expect(res.Outcome).To(Equal(auth.LockedOut))
		Expect(res.SessionToken).To(BeEmpty())
	})

	It("reports a suspended account without checking the password", func() {
		acct := newAccount("s3cret-passphrase")
		Expect(env.app.Accounts.SetStatus(env.ctx, acct.ID, acct.Status,
			auth.AccountStatus{EmailUnverified: acct.Status.EmailUnverified, Suspended: true})).To(Succeed())

		Expect(signIn(acct, "s3cret-passphrase", false).Outcome).To(Equal(auth.Suspended))
	})

	It("issues a remember-me token that verifies for the same client only", func() {
		acct := newAccount("s3cret-passphrase")
		res := signIn(acct, "s3cret-passphrase", true)
		Expect(res.Outcome).To(Equal(auth.Authenticated))
		Expect(res.PersistentToken).NotTo(BeNil())
		tok := res.PersistentToken

		outcome, err := env.app.Tokens.Verify(env.ctx, acct.ID, tok.ClientID, tok.ClientToken)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(auth.TokenVerified))

		outcome, err = env.app.Tokens.Verify(env.ctx, acct.ID, tok.ClientID, tok.ClientToken+"x")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(auth.TokenNotVerified))

		outcome, err = env.app.Tokens.Verify(env.ctx, acct.ID, "other-device", tok.ClientToken)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(auth.TokenNotAvailable))
	})

	It("returns not authenticated for an unknown account", func() {
		res, err := env.app.SignIn.SignIn(env.ctx, auth.SignInRequest{UserID: ulid.Make(), Password: "x"})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(auth.NotAuthenticated))
	})
})

var _ = Describe("Purge", Ordered, func() {
	It("removes expired verifications and old events", func() {
		acct := newAccount("s3cret-passphrase")
		_, err := env.app.Verifications.Generate(env.ctx, acct.ID, acct.Email, auth.VerificationEmail)
		Expect(err).NotTo(HaveOccurred())
		signIn(acct, "s3cret-passphrase", false)

		env.clock.Advance(env.cfg.Purge.EventRetention + env.cfg.Verification.MaxAge + 48*time.Hour)

		res, err := env.app.Purge(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Verifications).To(BeNumerically(">=", 1))
		Expect(res.Events).To(BeNumerically(">=", 1))

		events, err := env.app.Events.ListByAccount(env.ctx, acct.ID, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})
})
