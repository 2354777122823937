package am

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/cellsync/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete .back3")
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

// loadRaw reads configPath as a generic TOML document, empty if absent
func loadRaw(configPath string) (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configPath)
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return doc, nil
}

// saveRaw writes doc to configPath after rotating backups
func saveRaw(doc map[string]interface{}, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}
	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", configPath)
	}
	return nil
}

// peersTable returns the [sync.peers] table of doc, creating it if needed
func peersTable(doc map[string]interface{}) map[string]interface{} {
	syncSection, ok := doc["sync"].(map[string]interface{})
	if !ok {
		syncSection = map[string]interface{}{}
		doc["sync"] = syncSection
	}
	peers, ok := syncSection["peers"].(map[string]interface{})
	if !ok {
		peers = map[string]interface{}{}
		syncSection["peers"] = peers
	}
	return peers
}

// SetPeer adds or replaces a peer in configPath, keeping every other setting
func SetPeer(configPath, name, url string) error {
	if name == "" {
		return errors.New("peer name cannot be empty")
	}
	probe := Config{Sync: SyncConfig{Peers: map[string]string{name: url}}}
	if err := probe.validatePeers(); err != nil {
		return err
	}

	doc, err := loadRaw(configPath)
	if err != nil {
		return err
	}
	peersTable(doc)[name] = url
	return saveRaw(doc, configPath)
}

// RemovePeer deletes a peer from configPath. Removing an unknown peer is not an error.
func RemovePeer(configPath, name string) error {
	doc, err := loadRaw(configPath)
	if err != nil {
		return err
	}
	peers := peersTable(doc)
	if _, ok := peers[name]; !ok {
		return nil
	}
	delete(peers, name)
	return saveRaw(doc, configPath)
}
