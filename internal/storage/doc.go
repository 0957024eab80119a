// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists transcripts and answer feedback.
//
// # Key Types
//
//   - ConversationStore: one JSON file per saved transcript, written atomically
//   - StoredConversation: serializable transcript with metadata
//   - FeedbackStore: upvote, downvote and flag events in SQLite
//
// # Usage
//
//	store, _ := storage.NewConversationStoreWithDir(dir)
//	id, err := store.Save(storage.FromConversation(sessID, ctrl.Transcript()))
//
//	fb, _ := storage.OpenFeedbackStore(filepath.Join(dir, "feedback.db"))
//	defer fb.Close()
//	err = fb.Record(ctx, &storage.Feedback{SessionID: sessID, Kind: storage.FeedbackUpvote})
//
// # Storage Location
//
// Transcripts live in ~/.vidchat/conversations/ and feedback in
// ~/.vidchat/feedback.db unless [storage] data_dir says otherwise.
package storage
