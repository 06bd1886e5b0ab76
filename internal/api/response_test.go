package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "hello"}

	JSON(w, http.StatusOK, data)

	result := w.Result()
	if result.StatusCode != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, result.StatusCode)
	}

	if result.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", result.Header.Get("Content-Type"))
	}

	var response Response
	if err := json.NewDecoder(result.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !response.Success {
		t.Error("Response should be successful")
	}
}

func TestJSONWithMeta(t *testing.T) {
	w := httptest.NewRecorder()
	data := []string{"item1", "item2"}
	meta := &Meta{
		Total:  100,
		Limit:  10,
		Offset: 0,
	}

	JSONWithMeta(w, http.StatusOK, data, meta)

	var response Response
	if err := json.NewDecoder(w.Result().Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response.Meta == nil {
		t.Fatal("Response should have meta")
	}

	if response.Meta.Total != 100 {
		t.Errorf("Expected total 100, got %d", response.Meta.Total)
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()

	Error(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid input")

	result := w.Result()
	if result.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, result.StatusCode)
	}

	var response Response
	if err := json.NewDecoder(result.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response.Success {
		t.Error("Response should not be successful")
	}

	if response.Error == nil {
		t.Fatal("Response should have error")
	}

	if response.Error.Code != "BAD_REQUEST" {
		t.Errorf("Expected error code 'BAD_REQUEST', got '%s'", response.Error.Code)
	}

	if response.Error.Message != "Invalid input" {
		t.Errorf("Expected message 'Invalid input', got '%s'", response.Error.Message)
	}
}

func TestValidationErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()
	errors := ValidationErrors{
		{Field: "name", Message: "is required"},
		{Field: "email", Message: "is invalid"},
	}

	ValidationErrorResponse(w, errors)

	result := w.Result()
	if result.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, result.StatusCode)
	}

	var response Response
	if err := json.NewDecoder(result.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("Expected error code 'VALIDATION_ERROR', got '%s'", response.Error.Code)
	}

	if len(response.Error.Details) != 2 {
		t.Errorf("Expected 2 error details, got %d", len(response.Error.Details))
	}
}

func TestBadRequest(t *testing.T) {
	w := httptest.NewRecorder()
	BadRequest(w, "Test error")

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status %d", http.StatusBadRequest)
	}
}

func TestNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	NotFound(w, "Not found")

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("Expected status %d", http.StatusNotFound)
	}
}

func TestInternalError(t *testing.T) {
	w := httptest.NewRecorder()
	InternalError(w, "Server error")

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status %d", http.StatusInternalServerError)
	}
}

func TestOK(t *testing.T) {
	w := httptest.NewRecorder()
	OK(w, "success")

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("Expected status %d", http.StatusOK)
	}
}

func TestNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	NoContent(w)

	if w.Result().StatusCode != http.StatusNoContent {
		t.Errorf("Expected status %d", http.StatusNoContent)
	}
}

func TestList(t *testing.T) {
	w := httptest.NewRecorder()
	items := []string{"a", "b"}

	List(w, items, 100, 2, 40)

	var response Response
	if err := json.NewDecoder(w.Result().Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response.Meta == nil {
		t.Fatal("Response should have meta")
	}
	if response.Meta.Total != 100 {
		t.Errorf("Expected total 100, got %d", response.Meta.Total)
	}
	if response.Meta.Limit != 2 {
		t.Errorf("Expected limit 2, got %d", response.Meta.Limit)
	}
	if response.Meta.Offset != 40 {
		t.Errorf("Expected offset 40, got %d", response.Meta.Offset)
	}
}
