package api

// @title vLLM Gateway API
// @version 1.0
// @description Dynamic batching scheduler in front of a vLLM engine. Accepts authenticated inference tasks, groups them into batches by priority, and dispatches them to a mock or real engine. Exposes asynchronous task submission, task inspection, and an OpenAI-compatible synchronous surface.

// @contact.name API Support
// @contact.url https://github.com/S-Corkum/vllm-gateway/issues

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8000
// @BasePath /
// @schemes http

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT obtained from POST /token

// @tag.name auth
// @tag.description Token issuance

// @tag.name inference
// @tag.description Asynchronous task submission and cancellation

// @tag.name tasks
// @tag.description Task inspection for the authenticated caller

// @tag.name openai
// @tag.description OpenAI-compatible synchronous endpoints

// @tag.name health
// @tag.description Health, statistics and queue metrics
