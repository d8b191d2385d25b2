package appidentityassets

import _ "embed"

// YAML mirrors `.fulmen/app.yaml` so standalone binaries resolve their
// identity without a checkout.
//
//go:embed app.yaml
var YAML []byte
