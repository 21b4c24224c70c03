package radio

// Keyring resolves a channel's PSK by name, defaulting the well-known
// Meshtastic default-channel presets to DefaultKey.
type Keyring struct {
	keys map[string][]byte
}

// NewKeyring returns a Keyring pre-populated with Meshtastic's default
// modem-preset channel names, all sharing DefaultKey until overridden.
func NewKeyring() *Keyring {
	return &Keyring{keys: map[string][]byte{
		"LongFast":  DefaultKey,
		"LongSlow":  DefaultKey,
		"VLongSlow": DefaultKey,
		"ShortFast": DefaultKey,
		"ShortSlow": DefaultKey,
	}}
}

// Set installs key for channelName, overriding any default.
func (k *Keyring) Set(channelName string, key []byte) {
	k.keys[channelName] = key
}

// Resolve returns the key for channelName, falling back to DefaultKey if
// the name is unknown.
func (k *Keyring) Resolve(channelName string) []byte {
	if key, ok := k.keys[channelName]; ok {
		return key
	}
	return DefaultKey
}
