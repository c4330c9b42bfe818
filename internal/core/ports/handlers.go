package ports

import (
	"github.com/gin-gonic/gin"
)

type RelayHTTPHandler interface {
	PostOffer(c *gin.Context)
	GetOffer(c *gin.Context)
	PostAnswer(c *gin.Context)
	GetAnswer(c *gin.Context)
	PostCandidate(c *gin.Context)
	GetCandidates(c *gin.Context)
	DeleteSession(c *gin.Context)
	StartSession(c *gin.Context)
}

type TokenHTTPHandler interface {
	ICEConfig(c *gin.Context)
	IssueToken(c *gin.Context)
}
