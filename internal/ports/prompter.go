package ports

// SignInPrompter asks the user to sign in when an action needs a session.
type SignInPrompter interface {
	PromptSignIn()
}
