// Package auth provides authentication for the control channel.
//
// # Supported Authentication Methods
//
//   - Header: the "x-meshauth" request header carrying base64 encoded
//     username, password and optional login token
//   - Login key: an encrypted login cookie appended to the control URL as
//     the "auth" query parameter, built from the server's 80 byte login key
//
// Tunnels never use these methods: relay sockets authenticate with the
// short-lived cookie obtained over an already authenticated session.
//
// # Usage
//
// Header authentication:
//
//	a := auth.NewHeaderAuth(auth.Credentials{
//	    Username: "admin",
//	    Password: "password",
//	})
//
// Login key authentication:
//
//	key, _ := auth.LoadLoginKey("/etc/meshcentral/loginkey.key")
//	a := auth.NewLoginKeyAuth("admin", "", key)
package auth
