// SPDX-License-Identifier: AGPL-3.0-only
package model

import (
	"encoding/json"

	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
)

// PersistAndLogTurn saves a turn to the store (best-effort) and debug-logs it.
func PersistAndLogTurn(store TurnStore, turn *TurnRecord, logger *logging.Logger) {
	if store != nil {
		if err := store.SaveTurn(turn); err != nil {
			logger.Warnf("Failed to persist turn for session %s: %v", turn.SessionID, err)
		}
	}

	if !logger.Enabled(logging.Debug) {
		return
	}
	jsonData, err := json.MarshalIndent(turn, "", "  ")
	if err != nil {
		logger.Warnf("Failed to marshal turn for session %s: %v", turn.SessionID, err)
	} else {
		logger.Debugf("Session %s turn: %s", turn.SessionID, string(jsonData))
	}
}
