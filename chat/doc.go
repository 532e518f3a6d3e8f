// Package chat is the Twitch IRC transport used by the bot supervisor.
//
// IRCTransport opens one go-twitch-irc client per channel. Each client joins
// exactly one channel and reports:
//   - OnReady once the IRC handshake completes,
//   - OnMessage for every PRIVMSG in the channel,
//   - OnSubscription for USERNOTICE sub, resub, subgift and raid notices.
//
// The OAuth token is passed without the "oauth:" prefix; the transport adds it.
package chat
