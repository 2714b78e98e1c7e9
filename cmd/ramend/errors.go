// Copyright (C) 2024 The Ramen Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"encoding/json"
	"net/http"

	"github.com/dfroger/ramen/internal/types"
)

// statusFor maps one of internal/types's error variants to the HTTP
// status code the control API replies with, the same style of
// error-to-status type switch a daemon's handlers commonly use to keep
// transport concerns out of the core logic.
func statusFor(err error) int {
	switch err.(type) {
	case *types.NotFound, *notFoundNode:
		return http.StatusNotFound
	case *badRequest:
		return http.StatusBadRequest
	case *types.InvalidCommand, *types.SyntaxError, *types.TypeError:
		return http.StatusBadRequest
	case *types.MissingDependency, *types.DependencyLoop:
		return http.StatusConflict
	case *types.AlreadyRunning, *types.NotRunning:
		return http.StatusConflict
	case *types.NoSpace:
		return http.StatusServiceUnavailable
	case *types.Fatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type errBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	json.NewEncoder(w).Encode(errBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
