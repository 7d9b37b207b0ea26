package conversations

import "context"

type contextKey string

const conversationCtxKey contextKey = "conversation"

func SetConversationInContext(ctx context.Context, conv *Conversation) context.Context {
	return context.WithValue(ctx, conversationCtxKey, conv)
}

func GetConversationFromContext(ctx context.Context) *Conversation {
	conv, _ := ctx.Value(conversationCtxKey).(*Conversation)
	return conv
}
