package mcpserver

import "go2tv.app/avsession/internal/domain"

func staticTools() []tool {
	sessionIDProperty := map[string]any{
		"type":        "string",
		"description": "The session id, as returned by 'list_sessions' or 'create_session'.",
	}
	commands := make([]string, 0, len(domain.ControlCommands()))
	for _, c := range domain.ControlCommands() {
		commands = append(commands, string(c))
	}

	return []tool{
		{
			Name:        "list_sessions",
			Description: "List every live media session with its owner, type, activation and cast state. The top session is the one system media keys control.",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
		},
		{
			Name:        "session_history",
			Description: "List recently destroyed sessions, newest first.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"max_size": map[string]any{
						"type":        "integer",
						"minimum":     0,
						"maximum":     100,
						"default":     3,
						"description": "Maximum number of records to return.",
					},
					"max_app_size": map[string]any{
						"type":        "integer",
						"minimum":     0,
						"description": "Maximum number of records per owner. Zero means no limit.",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "create_session",
			Description: "Create a media session for an owner. By default the session answers control commands itself by updating its own playback state, and is activated.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"owner_id": map[string]any{
						"type":        "string",
						"description": "Identity of the owning application. An owner holds at most one live session.",
					},
					"tag": map[string]any{
						"type":        "string",
						"description": "Free-form label for the session.",
					},
					"type": map[string]any{
						"type": "string",
						"enum": []string{
							string(domain.SessionTypeAudio),
							string(domain.SessionTypeVideo),
							string(domain.SessionTypeVoiceCall),
						},
					},
					"mirror": map[string]any{
						"type":        "boolean",
						"default":     true,
						"description": "Register handlers that apply commands to the session's own state.",
					},
					"activate": map[string]any{
						"type":    "boolean",
						"default": true,
					},
				},
				"required":             []string{"owner_id", "tag", "type"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "update_session",
			Description: "Publish new state for the session held by an owner: queue, metadata, playback state, call state or activation.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"owner_id":    map[string]any{"type": "string"},
					"metadata":    map[string]any{"type": "object", "description": "AVMetadata; assetId is required."},
					"playback":    map[string]any{"type": "object", "description": "AVPlaybackState; state is required."},
					"queue_items": map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
					"queue_title": map[string]any{"type": "string"},
					"call_state":  map[string]any{"type": "object"},
					"active":      map[string]any{"type": "boolean"},
				},
				"required":             []string{"owner_id"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "destroy_session",
			Description: "Destroy a session. Its controllers stop working and it moves to the history.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionIDProperty,
				},
				"required":             []string{"session_id"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "get_session_state",
			Description: "Read the full state of a session: metadata, playback, queue, call state, output device and the commands it accepts.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionIDProperty,
				},
				"required":             []string{"session_id"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "send_control_command",
			Description: "Send a control command to a session. Without session_id the command goes to the top session.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionIDProperty,
					"command": map[string]any{
						"type": "string",
						"enum": commands,
					},
					"parameter": map[string]any{
						"description": "Command parameter: milliseconds for seek, a number for setSpeed, a loop mode for setLoopMode, an asset id for toggleFavorite or playFromAssetId.",
					},
				},
				"required":             []string{"command"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "list_cast_devices",
			Description: "List Chromecast and DLNA/UPnP renderers found on the local network. Call this before 'start_casting'.",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
		},
		{
			Name:        "start_casting",
			Description: "Hand a session's playback off to a cast device. The active queue item's media URI is loaded on the device.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionIDProperty,
					"target_device": map[string]any{
						"type":        "string",
						"description": "The device id or exact name, from 'list_cast_devices'.",
					},
				},
				"required":             []string{"session_id", "target_device"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "stop_casting",
			Description: "Stop casting a session and return playback to the local device.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionIDProperty,
				},
				"required":             []string{"session_id"},
				"additionalProperties": false,
			},
		},
	}
}
